package tendrl

import (
	"errors"

	"github.com/tendrl-inc-labs/go-sdk/internal/config"
	"github.com/tendrl-inc-labs/go-sdk/internal/dispatch"
	"github.com/tendrl-inc-labs/go-sdk/internal/offline"
	"github.com/tendrl-inc-labs/go-sdk/internal/queue"
	"github.com/tendrl-inc-labs/go-sdk/internal/transport"
	"github.com/tendrl-inc-labs/go-sdk/pkg/types"
)

var (
	// ErrQueueFull is returned by Publish when the queue is at capacity.
	ErrQueueFull = queue.ErrFull
	// ErrInvalidPayload is returned for payloads that are not valid JSON.
	ErrInvalidPayload = types.ErrInvalidPayload
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = config.ErrInvalid
	// ErrOfflineFull is returned when the offline store is at its record limit.
	ErrOfflineFull = offline.ErrFull

	ErrUnreachable = transport.ErrUnreachable
	ErrRejected    = transport.ErrRejected
	ErrTimeout     = transport.ErrTimeout

	// ErrStopped is the cause reported for messages dropped at shutdown.
	ErrStopped = dispatch.ErrStopped

	ErrAlreadyStarted = errors.New("tendrl: client already started")
	ErrClosed         = errors.New("tendrl: client closed")
)

// DeliveryError is passed to Handler.HandleError for every batch that was
// not delivered. Outcome says whether it was offlined or dropped.
type DeliveryError = dispatch.DeliveryError

// Batch outcomes carried by DeliveryError.
const (
	Offlined = dispatch.Offlined
	Dropped  = dispatch.Dropped
)
