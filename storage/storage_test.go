package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"medgate/authz"
	"medgate/util"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestDefaultRoles(t *testing.T) {
	table, err := LoadRoleTable("")
	require.NoError(t, err)

	assert.True(t, table.PHICapable("physician"))
	assert.True(t, table.PHICapable("Nurse"), "role names are case-insensitive")
	assert.False(t, table.PHICapable("admin"))
	assert.False(t, table.PHICapable("receptionist"))
	assert.Contains(t, table.Permissions("admin"), "*")
	assert.Nil(t, table.Permissions("janitor"))

	roles := table.ListRoles()
	require.Len(t, roles, 5)
	assert.Equal(t, "admin", roles[0].Name, "sorted by name")

	_, err = table.GetRole("janitor")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestLoadRoleTable_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roles:
  - name: Pharmacist
    description: dispenses
    phi: true
    permissions: ["prescriptions:*", "patients:read"]
  - name: billing
    permissions: ["invoices:read"]
`), 0o600))

	table, err := LoadRoleTable(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prescriptions:*", "patients:read"}, table.Permissions("pharmacist"))
	assert.True(t, table.PHICapable("pharmacist"))
	assert.False(t, table.PHICapable("billing"))
}

func TestLoadRoleTable_Rejects(t *testing.T) {
	tests := map[string]string{
		"empty":            "roles: []\n",
		"bad permission":   "roles:\n  - name: x\n    permissions: [\"patients read\"]\n",
		"duplicate":        "roles:\n  - name: x\n  - name: X\n",
		"nameless":         "roles:\n  - permissions: [\"*\"]\n",
		"not yaml":         "roles: [\n",
		"partial wildcard": "roles:\n  - name: x\n    permissions: [\"pat*\"]\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "roles.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadRoleTable(path)
			require.Error(t, err)
		})
	}
	_, err := LoadRoleTable(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestUsers(t *testing.T) (*UserStore, string) {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "medgate", AccountName: "dr.grey"})
	require.NoError(t, err)

	store, err := NewUserStore([]User{
		{Username: "Dr.Grey", PasswordHash: hash(t, "Scalpel-Ready-2026"), Roles: []string{"physician"},
			BranchID: "north", Branches: []string{"east"}, Active: true, MFAEnabled: true, TOTPSecret: key.Secret()},
		{Username: "front-desk", PasswordHash: hash(t, "Welcome-Desk-2026"), Roles: []string{"receptionist"},
			BranchID: "north", Active: true},
		{Username: "retired", PasswordHash: hash(t, "Gone-Fishing-2019"), Active: false},
	}, bcrypt.MinCost, zap.NewNop().Sugar())
	require.NoError(t, err)
	return store, key.Secret()
}

func TestUserStore_ValidateCredentials(t *testing.T) {
	store, _ := newTestUsers(t)
	ctx := context.Background()

	u, err := store.ValidateCredentials(ctx, "  DR.GREY ", "Scalpel-Ready-2026")
	require.NoError(t, err)
	assert.Equal(t, "dr.grey", u.Username)

	for _, tc := range []struct{ user, pass string }{
		{"dr.grey", "wrong"},
		{"nobody", "Scalpel-Ready-2026"},
		{"retired", "Gone-Fishing-2019"},
	} {
		_, err := store.ValidateCredentials(ctx, tc.user, tc.pass)
		assert.ErrorIs(t, err, ErrInvalidCredentials, tc.user)
	}
}

func TestUserStore_VerifyCredentialsRequiresTOTPForMFA(t *testing.T) {
	store, secret := newTestUsers(t)
	ctx := context.Background()

	err := store.VerifyCredentials(ctx, "dr.grey", "Scalpel-Ready-2026", "")
	assert.ErrorIs(t, err, ErrMFARequired)

	err = store.VerifyCredentials(ctx, "dr.grey", "Scalpel-Ready-2026", "000000")
	if err != nil {
		assert.ErrorIs(t, err, ErrInvalidMFACode)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.VerifyCredentials(ctx, "dr.grey", "Scalpel-Ready-2026", code))

	// accounts without MFA need only the password
	require.NoError(t, store.VerifyCredentials(ctx, "front-desk", "Welcome-Desk-2026", ""))

	var _ authz.CredentialVerifier = store
}

func TestUserStore_Scope(t *testing.T) {
	store, _ := newTestUsers(t)
	ctx := context.Background()

	s, err := store.Scope(ctx, "dr.grey")
	require.NoError(t, err)
	assert.Equal(t, []string{"north", "east"}, s.Branches)
	assert.False(t, s.SystemWide)

	_, err = store.Scope(ctx, "retired")
	assert.ErrorIs(t, err, authz.ErrUnknownSubject)
	_, err = store.Scope(ctx, "nobody")
	assert.ErrorIs(t, err, authz.ErrUnknownSubject)

	var _ authz.ScopeLookup = store
}

func TestUserStore_SetPasswordAndEnrollMFA(t *testing.T) {
	store, _ := newTestUsers(t)
	ctx := context.Background()

	require.NoError(t, store.SetPassword(ctx, "front-desk", "Brand-New-Pass-99"))
	_, err := store.ValidateCredentials(ctx, "front-desk", "Welcome-Desk-2026")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = store.ValidateCredentials(ctx, "front-desk", "Brand-New-Pass-99")
	require.NoError(t, err)

	url, err := store.EnrollMFA(ctx, "front-desk")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")
	err = store.VerifyCredentials(ctx, "front-desk", "Brand-New-Pass-99", "")
	assert.ErrorIs(t, err, ErrMFARequired)

	assert.ErrorIs(t, store.SetPassword(ctx, "nobody", "x"), ErrUserNotFound)
}

func TestNewUserStore_Rejects(t *testing.T) {
	logger := zap.NewNop().Sugar()
	_, err := NewUserStore([]User{{Username: "a", PasswordHash: "plaintext"}}, bcrypt.MinCost, logger)
	require.Error(t, err)
	_, err = NewUserStore([]User{{Username: "a", PasswordHash: hash(t, "x"), MFAEnabled: true}}, bcrypt.MinCost, logger)
	require.Error(t, err)
	_, err = NewUserStore([]User{
		{Username: "a", PasswordHash: hash(t, "x")},
		{Username: "A", PasswordHash: hash(t, "y")},
	}, bcrypt.MinCost, logger)
	require.Error(t, err)
}

func TestLoadUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	body := "users:\n  - username: nurse.joy\n    password_hash: \"" + hash(t, "Pokecenter-2026") +
		"\"\n    roles: [nurse]\n    branch_id: south\n    active: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	store, err := LoadUsers(path, bcrypt.MinCost, zap.NewNop().Sugar())
	require.NoError(t, err)
	u, err := store.ValidateCredentials(context.Background(), "nurse.joy", "Pokecenter-2026")
	require.NoError(t, err)
	assert.Equal(t, []string{"nurse"}, u.Roles)
	assert.Equal(t, "south", u.BranchID)
}

func TestPatientDirectory(t *testing.T) {
	dir := NewPatientDirectory(
		Patient{ID: "p-1", Name: "Ada Lovelace", BranchID: "north"},
		Patient{ID: "p-2", Name: "Alan Turing", BranchID: "south"},
		Patient{ID: "p-3", Name: "<b>Grace</b> Hopper", BranchID: "north"},
	)
	ctx := context.Background()

	all := dir.SearchPatients(ctx, "", nil)
	require.Len(t, all, 3)
	assert.Equal(t, "<b>Grace</b> Hopper", all[0].Name, "stored verbatim")

	north := dir.SearchPatients(ctx, "", []string{"north"})
	assert.Len(t, north, 2)

	assert.Len(t, dir.SearchPatients(ctx, "TURING", nil), 1)
	assert.Empty(t, dir.SearchPatients(ctx, "turing", []string{"north"}))
	assert.Empty(t, dir.SearchPatients(ctx, "", []string{}), "an empty scope matches nothing")

	p, err := dir.CreatePatient(ctx, Patient{Name: "Katherine Johnson", BranchID: "east"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "patient:"+p.ID, p.ResourceRef())

	got, err := dir.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Katherine Johnson", got.Name)

	_, err = dir.GetPatient(ctx, "p-404")
	assert.ErrorIs(t, err, ErrPatientNotFound)
	_, err = dir.CreatePatient(ctx, Patient{Name: "", BranchID: "east"})
	require.Error(t, err)

	branch, err := dir.BranchOf(ctx, "patient", "p-2")
	require.NoError(t, err)
	assert.Equal(t, "south", branch)
	branch, _ = dir.BranchOf(ctx, "patient", "p-404")
	assert.Empty(t, branch)
	branch, _ = dir.BranchOf(ctx, "appointment", "p-2")
	assert.Empty(t, branch)
}

func TestLoadPatients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
patients:
  - id: p-100
    name: Jane Doe
    branch_id: north
  - name: John Roe
    branch_id: south
`), 0o600))

	dir, err := LoadPatients(path)
	require.NoError(t, err)
	assert.Len(t, dir.SearchPatients(context.Background(), "", nil), 2)
	p, err := dir.GetPatient(context.Background(), "p-100")
	require.NoError(t, err)
	assert.Equal(t, "north", p.BranchID)

	empty, err := LoadPatients("")
	require.NoError(t, err)
	assert.Empty(t, empty.SearchPatients(context.Background(), "", nil))
}

func TestSeedLoaders_RejectUnsafePaths(t *testing.T) {
	_, err := LoadRoleTable("configs/../../etc/roles.yaml")
	assert.ErrorIs(t, err, util.ErrPathTraversal)
	_, err = LoadUsers("../users.yaml", bcrypt.MinCost, zap.NewNop().Sugar())
	assert.ErrorIs(t, err, util.ErrPathTraversal)
	_, err = LoadPatients("seed/..\\patients.yaml")
	assert.ErrorIs(t, err, util.ErrPathTraversal)

	dir := t.TempDir()
	target := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(target, []byte("roles:\n  - name: x\n"), 0o600))
	link := filepath.Join(dir, "linked.yaml")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err = LoadRoleTable(link)
	assert.ErrorIs(t, err, util.ErrSymlinkNotAllowed)
	_, err = LoadPatients(link)
	assert.ErrorIs(t, err, util.ErrSymlinkNotAllowed)
}

func TestSeedFilesAreSchemaChecked(t *testing.T) {
	tests := []struct {
		name string
		load func(path string) error
		body string
		want string
	}{
		{
			name: "unknown role field",
			load: func(p string) error { _, err := LoadRoleTable(p); return err },
			body: "roles:\n  - name: x\n    permisions: [\"*\"]\n",
			want: "permisions",
		},
		{
			name: "plaintext password",
			load: func(p string) error { _, err := LoadUsers(p, bcrypt.MinCost, zap.NewNop().Sugar()); return err },
			body: "users:\n  - username: a\n    password_hash: hunter2\n",
			want: "password_hash",
		},
		{
			name: "patient without branch",
			load: func(p string) error { _, err := LoadPatients(p); return err },
			body: "patients:\n  - name: Jane Doe\n",
			want: "branch_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "seed.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			err := tt.load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation failed")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
