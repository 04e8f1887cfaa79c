package sessionflow

import (
	runtimepkg "github.com/drblury/sessionflow/internal/runtime"
	"github.com/drblury/sessionflow/internal/runtime/batch"
	configpkg "github.com/drblury/sessionflow/internal/runtime/config"
	errspkg "github.com/drblury/sessionflow/internal/runtime/errors"
	idspkg "github.com/drblury/sessionflow/internal/runtime/ids"
	"github.com/drblury/sessionflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sessionflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/sessionflow/internal/runtime/metadata"
	"github.com/drblury/sessionflow/internal/runtime/outcome"
	"github.com/drblury/sessionflow/internal/runtime/sharedstate"
	"github.com/drblury/sessionflow/internal/runtime/storage"
	"github.com/drblury/sessionflow/internal/runtime/teams"
	transportpkg "github.com/drblury/sessionflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceStats        = runtimepkg.ServiceStats
	DependencyHealth    = runtimepkg.DependencyHealth

	// Batch lifecycle hooks
	BatchContext = runtimepkg.BatchContext
	FlushContext = runtimepkg.FlushContext
	BatchHooks   = runtimepkg.BatchHooks

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError

	// Pluggable collaborators
	SharedStateStore = sharedstate.Store
	TeamStore        = teams.Store
	Team             = teams.Team
	SessionSink      = batch.Sink
	SessionBlock     = batch.SessionBlock
	Compression      = storage.Compression

	OutcomeKind = outcome.Kind

	// Transports
	Record                = transportpkg.Record
	Header                = transportpkg.Header
	Message               = transportpkg.Message
	Offset                = transportpkg.Offset
	Producer              = transportpkg.Producer
	Consumer              = transportpkg.Consumer
	BatchHandler          = transportpkg.BatchHandler
	RebalanceListener     = transportpkg.RebalanceListener
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService    = runtimepkg.NewService
	LoadConfig    = configpkg.Load
	DefaultConfig = configpkg.Default

	// Batch lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Shared state backends
	OpenSharedState      = sharedstate.Open
	NewMemoryStore       = sharedstate.NewMemoryStore
	NewRedisStoreFromURL = sharedstate.NewRedisStoreFromURL
	NewNATSStoreFromURL  = sharedstate.NewNATSStoreFromURL
	NewTeamStore         = teams.NewStateStore

	// Recordings
	NewTopicSink     = storage.NewTopicSink
	ParseCompression = storage.ParseCompression
	DecodeEvents     = storage.DecodeEvents

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities
	ForwardRecord            = transportpkg.ForwardRecord

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrProducerRequired  = errspkg.ErrProducerRequired
	ErrConsumerRequired  = errspkg.ErrConsumerRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrTeamStoreRequired = errspkg.ErrTeamStoreRequired
	ErrSinkRequired      = errspkg.ErrSinkRequired
	ErrPartitionNotOwned = errspkg.ErrPartitionNotOwned
	ErrNotFound          = errspkg.ErrNotFound
	ErrSchedulerClosed   = errspkg.ErrSchedulerClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Lanes and overflow modes.
const (
	LaneMain     = configpkg.LaneMain
	LaneOverflow = configpkg.LaneOverflow

	OverflowStateful  = configpkg.OverflowStateful
	OverflowStateless = configpkg.OverflowStateless
	OverflowDisabled  = configpkg.OverflowDisabled
)

// Outcome kinds and the reasons attached to dropped and redirected records.
const (
	Accepted   = outcome.Accepted
	Dropped    = outcome.Dropped
	Redirected = outcome.Redirected

	ReasonMissingToken      = outcome.ReasonMissingToken
	ReasonInvalidToken      = outcome.ReasonInvalidToken
	ReasonTeamLookupFailed  = outcome.ReasonTeamLookupFailed
	ReasonParseError        = outcome.ReasonParseError
	ReasonTimestampTooOld   = outcome.ReasonTimestampTooOld
	ReasonRestrictedDrop    = outcome.ReasonRestrictedDrop
	ReasonForceOverflow     = outcome.ReasonForceOverflow
	ReasonRateLimited       = outcome.ReasonRateLimited
	ReasonOverflowCooldown  = outcome.ReasonOverflowCooldown
	ReasonPartitionNotOwned = outcome.ReasonPartitionNotOwned
)
