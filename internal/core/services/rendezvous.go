// Package services holds the protocol logic between transport and rooms:
// join validation, message sealing and the quiz session state machines.
package services

import (
	"crypto/rsa"
	"crypto/subtle"

	"go.uber.org/zap"

	"samspill/internal/core/domain"
	"samspill/pkg/crypto"
	"samspill/pkg/validation"
)

// Admission is the usable result of an accepted join request: the
// participant's unwrapped symmetric key and decrypted display name.
type Admission struct {
	Key  crypto.KeyID
	Name string
}

// Rendezvous validates join requests on the host side.
type Rendezvous struct {
	cfg     *domain.RoomConfig
	private *rsa.PrivateKey
	public  crypto.PublicKeyID
	logger  *zap.SugaredLogger
}

func NewRendezvous(cfg *domain.RoomConfig, keys *crypto.HostKeyPair, logger *zap.Logger) *Rendezvous {
	return &Rendezvous{
		cfg:     cfg,
		private: keys.Private,
		public:  keys.Public,
		logger:  logger.Sugar(),
	}
}

// Admit checks one JOIN request against the room. Every check runs and
// every failure is collected, so the requester sees all problems at once
// instead of fixing them one denial at a time. joined holds the external
// ids already admitted.
func (r *Rendezvous) Admit(join domain.JoinPayload, joined map[domain.Identity]bool) (Admission, *domain.Denial) {
	var admission Admission
	var reasons []domain.ValidationFailure
	fail := func(field, reason string) {
		reasons = append(reasons, domain.ValidationFailure{Field: field, Reason: reason})
	}

	if join.Version != domain.ProtocolVersion {
		fail("version", domain.ReasonBadVersion)
	}

	key, err := crypto.UnwrapIdentity(join.ExternalID, r.private)
	if err != nil {
		fail("externalId", domain.ReasonBadIdentity)
	} else {
		admission.Key = key
		name, err := crypto.DecryptValue(join.Name, key)
		if err != nil || validation.ValidateDisplayName(name) != nil {
			fail("name", domain.ReasonBadName)
		} else {
			admission.Name = name
		}
	}

	if r.cfg.HasPassword() {
		expected := crypto.HashPassword(r.cfg.Password, r.public)
		if subtle.ConstantTimeCompare([]byte(join.Password), []byte(expected)) != 1 {
			fail("password", domain.ReasonBadPassword)
		}
	}

	if joined[domain.Identity(join.ExternalID)] {
		fail("externalId", domain.ReasonAlreadyJoined)
	}

	if r.cfg.MaxParticipants > 0 && len(joined) >= r.cfg.MaxParticipants {
		fail("room", domain.ReasonRoomFull)
	}

	if len(reasons) > 0 {
		r.logger.Infow("join denied", "failures", len(reasons))
		return Admission{}, &domain.Denial{Reasons: reasons}
	}
	return admission, nil
}
