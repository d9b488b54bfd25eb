package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"samspill/internal/core/domain"
	"samspill/pkg/crypto"
	"samspill/pkg/logger"
)

type joinFixture struct {
	keys       *crypto.HostKeyPair
	rendezvous *Rendezvous
	cfg        *domain.RoomConfig
}

func newJoinFixture(t *testing.T, cfg *domain.RoomConfig) *joinFixture {
	t.Helper()
	keys, err := crypto.GenerateKeyPair("")
	require.NoError(t, err)
	return &joinFixture{
		keys:       keys,
		rendezvous: NewRendezvous(cfg, keys, logger.NewNop()),
		cfg:        cfg,
	}
}

// validJoin builds a join request the way a real participant would.
func (f *joinFixture) validJoin(t *testing.T, name, password string) (domain.JoinPayload, crypto.KeyID) {
	t.Helper()
	key, err := crypto.GenerateSymmetricKey()
	require.NoError(t, err)
	external, err := crypto.WrapIdentity(key, f.keys.Public, "")
	require.NoError(t, err)
	sealedName, err := crypto.EncryptValue(name, key)
	require.NoError(t, err)

	join := domain.JoinPayload{
		ExternalID: external,
		Name:       sealedName,
		Version:    domain.ProtocolVersion,
	}
	if password != "" {
		join.Password = crypto.HashPassword(password, f.keys.Public)
	}
	return join, key
}

func TestAdmitAcceptsValidJoin(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{MaxParticipants: 8})
	join, key := f.validJoin(t, "Alice", "")

	admission, denial := f.rendezvous.Admit(join, nil)
	require.Nil(t, denial)
	assert.Equal(t, key, admission.Key)
	assert.Equal(t, "Alice", admission.Name)
}

func TestAdmitDeniesWrongVersion(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{})
	join, _ := f.validJoin(t, "Alice", "")
	join.Version = domain.ProtocolVersion - 1

	_, denial := f.rendezvous.Admit(join, nil)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadVersion))
}

func TestAdmitDeniesUndecodableIdentity(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{})
	join, _ := f.validJoin(t, "Alice", "")
	join.ExternalID = "garbage"

	_, denial := f.rendezvous.Admit(join, nil)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadIdentity))
}

func TestAdmitDeniesBadName(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{})

	tooLong, _ := f.validJoin(t, strings.Repeat("x", 21), "")
	_, denial := f.rendezvous.Admit(tooLong, nil)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadName))

	empty, _ := f.validJoin(t, "", "")
	_, denial = f.rendezvous.Admit(empty, nil)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadName))
}

func TestAdmitChecksPassword(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{Password: "hunter2"})

	right, _ := f.validJoin(t, "Alice", "hunter2")
	_, denial := f.rendezvous.Admit(right, nil)
	assert.Nil(t, denial)

	wrong, _ := f.validJoin(t, "Bob", "hunter3")
	_, denial = f.rendezvous.Admit(wrong, nil)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadPassword))

	missing, _ := f.validJoin(t, "Mallory", "")
	_, denial = f.rendezvous.Admit(missing, nil)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadPassword))
}

func TestAdmitDeniesDuplicateJoin(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{})
	join, _ := f.validJoin(t, "Alice", "")

	joined := map[domain.Identity]bool{domain.Identity(join.ExternalID): true}
	_, denial := f.rendezvous.Admit(join, joined)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonAlreadyJoined))
}

func TestAdmitDeniesFullRoom(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{MaxParticipants: 1})
	join, _ := f.validJoin(t, "Alice", "")

	joined := map[domain.Identity]bool{"someone-else": true}
	_, denial := f.rendezvous.Admit(join, joined)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonRoomFull))
}

func TestAdmitCollectsEveryFailure(t *testing.T) {
	f := newJoinFixture(t, &domain.RoomConfig{Password: "secret", MaxParticipants: 1})
	join, _ := f.validJoin(t, strings.Repeat("x", 30), "wrong")
	join.Version = 99

	joined := map[domain.Identity]bool{"other": true}
	_, denial := f.rendezvous.Admit(join, joined)
	require.NotNil(t, denial)
	assert.True(t, denial.HasReason(domain.ReasonBadVersion))
	assert.True(t, denial.HasReason(domain.ReasonBadName))
	assert.True(t, denial.HasReason(domain.ReasonBadPassword))
	assert.True(t, denial.HasReason(domain.ReasonRoomFull))
	assert.GreaterOrEqual(t, len(denial.Reasons), 4)
}
