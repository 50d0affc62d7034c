package main

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/internal/utils"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

// seedFile lists accounts to create in the directory.
//
//	[[Account]]
//	ACI = "0b4ad0b6-5b5c-4f0e-b0a8-0d2c8a5d2d51"
//	PNI = "6a2b4b1e-63a5-4c59-9a8a-3d54a8bb0a3f"
//	ACIIdentityKey = "BXu6QIKVz5MA8gstzfOgRQGqyLqOwNKHL6INPyAfYv8u"
//
//	[[Account.Device]]
//	Id = 1
//	RegistrationId = 4242
//	Password = "device secret"
type seedFile struct {
	Account []seedAccount
}

type seedAccount struct {
	ACI uuid.UUID
	PNI uuid.UUID

	ACIIdentityKey utils.B64Binary
	PNIIdentityKey utils.B64Binary

	UnidentifiedAccessKey          utils.B64Binary
	UnrestrictedUnidentifiedAccess bool

	Disabled bool
	Device   []seedDevice
}

type seedDevice struct {
	Id                prekeys.DeviceID
	RegistrationId    int
	PNIRegistrationId *int
	Disabled          bool
	Password          string
}

func parseSeed(b []byte) (*seedFile, error) {
	seed := new(seedFile)
	md, err := toml.Decode(string(b), seed)
	if nil != err {
		return nil, utils.WrapError(err, 0, nil, "failed decoding seed file")
	}
	if undecoded := md.Undecoded(); 0 != len(undecoded) {
		return nil, utils.NewError(0, nil, "seed file has unknown keys %v", undecoded)
	}
	return seed, nil
}

func loadSeedFile(f string) (*seedFile, error) {
	b, err := os.ReadFile(f)
	if nil != err {
		return nil, utils.WrapError(err, 0, nil, "failed reading seed file")
	}
	return parseSeed(b)
}

// Apply creates the seed accounts in dir and returns how many were created.
// Accounts already present in dir are left untouched.
func (self *seedFile) Apply(ctx context.Context, dir accounts.Directory, hasher *auth.TokenHasher) (int, error) {
	log := observability.GetObservability(ctx).Log()

	created := 0
	for pos, sa := range self.Account {
		acct, err := sa.account(hasher)
		if nil != err {
			return created, utils.WrapError(err, 0, nil, "invalid seed account #%d", pos)
		}
		err = dir.Create(ctx, acct)
		switch {
		case nil == err:
			created += 1
		case errors.Is(err, accounts.ErrConflict):
			log.Info("seed account already exists", zap.Stringer("aci", acct.ACI))
		default:
			return created, err
		}
	}

	return created, nil
}

func (self seedAccount) account(hasher *auth.TokenHasher) (*accounts.Account, error) {
	acct := &accounts.Account{
		ACI:                            self.ACI,
		PNI:                            self.PNI,
		ACIIdentityKey:                 []byte(self.ACIIdentityKey),
		PNIIdentityKey:                 []byte(self.PNIIdentityKey),
		UnidentifiedAccessKey:          []byte(self.UnidentifiedAccessKey),
		UnrestrictedUnidentifiedAccess: self.UnrestrictedUnidentifiedAccess,
		Enabled:                        !self.Disabled,
		Devices:                        make([]accounts.Device, 0, len(self.Device)),
	}
	for _, sd := range self.Device {
		if "" == sd.Password {
			return nil, utils.NewError(0, nil, "device %d has no Password", sd.Id)
		}
		hash, salt, err := hasher.NewCredentials(sd.Password)
		if nil != err {
			return nil, err
		}
		acct.Devices = append(acct.Devices, accounts.Device{
			Id:                sd.Id,
			RegistrationId:    sd.RegistrationId,
			PNIRegistrationId: sd.PNIRegistrationId,
			Enabled:           !sd.Disabled,
			AuthTokenHash:     hash,
			AuthTokenSalt:     salt,
		})
	}
	slices.SortFunc(acct.Devices, func(a, b accounts.Device) int {
		return int(a.Id) - int(b.Id)
	})

	return acct, acct.Check()
}

func newSeedCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Create the accounts listed in a TOML seed file",
		Long: `seed creates the accounts of a TOML seed file in the configured directory.
It is meant for persistent directories, use "serve --seed" with the memory directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(root)
			if nil != err {
				return err
			}
			defer log.Sync()

			seed, err := loadSeedFile(args[0])
			if nil != err {
				return err
			}

			ctx := cmd.Context()
			be, err := openBackends(ctx, cfg, log)
			if nil != err {
				return err
			}
			defer be.Close()

			hasher, err := newTokenHasher(cfg, log)
			if nil != err {
				return err
			}
			created, err := seed.Apply(ctx, be.Directory, hasher)
			if nil != err {
				return err
			}
			log.Info("seeded directory", zap.Int("accounts", created), zap.Int("listed", len(seed.Account)))

			return nil
		},
	}
}
