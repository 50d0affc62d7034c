package accounts

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

const (
	DefaultMaxRetries        = 10
	DefaultPostCommitTimeout = 30 * time.Second
)

// Updater applies device mutations with optimistic concurrency.
type Updater struct {
	Directory Directory

	// MaxRetries bounds the number of attempts, DefaultMaxRetries if 0.
	MaxRetries int

	// PostCommitTimeout bounds the post commit stage, DefaultPostCommitTimeout if 0.
	PostCommitTimeout time.Duration
}

// NewUpdater returns an Updater using dir.
// It errors if dir is nil.
func NewUpdater(dir Directory) (*Updater, error) {
	if nil == dir {
		return nil, newError("nil Directory")
	}
	return &Updater{Directory: dir}, nil
}

// DeviceMutator modifies a Device of a private Account snapshot.
type DeviceMutator func(dev *Device) error

// PostCommit runs after the mutated Account has been committed.
type PostCommit func(ctx context.Context) error

// UpdateDeviceTransactional applies mutate to the deviceId Device of acct and commits the Account.
//
// mutate works on a snapshot, it is called again on a freshly loaded snapshot when the
// commit fails because the Account changed concurrently. Once committed postCommit runs,
// it is not cancelled when ctx is, as the commit can not be rolled back.
//
// It returns the committed Account. If postCommit fails the committed Account is
// returned together with the error, the Directory is not restored.
func (self *Updater) UpdateDeviceTransactional(
	ctx context.Context,
	acct *Account,
	deviceId prekeys.DeviceID,
	mutate DeviceMutator,
	postCommit PostCommit,
) (*Account, error) {
	log := observability.GetObservability(ctx).Log()
	maxRetries := self.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	snapshot := acct.Clone()
	committed := false
	for attempt := 1; attempt <= maxRetries; attempt++ {
		dev := snapshot.Device(deviceId)
		if nil == dev {
			return nil, wrapError(ErrNotFound, "unknown device %d", deviceId)
		}
		if err := mutate(dev); nil != err {
			return nil, wrapError(err, "failed device mutation")
		}

		err := self.Directory.Update(ctx, snapshot)
		if nil == err {
			committed = true
			break
		}
		if !errors.Is(err, ErrConflict) {
			return nil, wrapError(err, "failed account update")
		}
		log.Debug(
			"account update conflict",
			zap.Stringer("aci", acct.ACI),
			zap.Int("attempt", attempt),
		)

		snapshot, err = self.Directory.FindByServiceID(ctx, prekeys.NewACI(acct.ACI))
		if nil != err {
			return nil, wrapError(err, "failed reloading account")
		}
	}
	if !committed {
		return nil, wrapError(ErrConflict, "account update abandoned after %d attempts", maxRetries)
	}

	if nil == postCommit {
		return snapshot, nil
	}

	timeout := self.PostCommitTimeout
	if timeout <= 0 {
		timeout = DefaultPostCommitTimeout
	}
	pcCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := postCommit(pcCtx)
	if nil != err {
		log.Error(
			"post commit failed, account committed without its key store writes",
			zap.Stringer("aci", acct.ACI),
			zap.Uint8("device", uint8(deviceId)),
			zap.Error(err),
		)
	}

	return snapshot, wrapError(err, "failed post commit")
}
