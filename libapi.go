package nexbus

import (
	runtimepkg "github.com/drblury/nexbus/internal/runtime"
	configpkg "github.com/drblury/nexbus/internal/runtime/config"
	dedupkg "github.com/drblury/nexbus/internal/runtime/dedup"
	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	eventpkg "github.com/drblury/nexbus/internal/runtime/event"
	jsoncodec "github.com/drblury/nexbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/nexbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/nexbus/internal/runtime/metadata"
	patternpkg "github.com/drblury/nexbus/internal/runtime/pattern"
	"github.com/drblury/nexbus/internal/runtime/processing"
	storepkg "github.com/drblury/nexbus/internal/runtime/store"
)

type (
	Config     = configpkg.Config
	ConfigFile = configpkg.File

	Bus             = runtimepkg.Bus
	BusDependencies = runtimepkg.BusDependencies
	State           = runtimepkg.State
	Receipt         = runtimepkg.Receipt
	Subscription    = runtimepkg.Subscription
	EmitOption      = runtimepkg.EmitOption
	SubscribeOption = runtimepkg.SubscribeOption
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	ResourceUsage   = runtimepkg.ResourceUsage

	Factory          = runtimepkg.Factory
	FactoryOptions   = runtimepkg.FactoryOptions
	FactoryRegistry  = runtimepkg.FactoryRegistry
	FactoryMetrics   = runtimepkg.FactoryMetrics
	InstanceMetadata = runtimepkg.InstanceMetadata
	InstanceStatus   = runtimepkg.InstanceStatus

	Event       = eventpkg.Event
	EventMeta   = eventpkg.Metadata
	Priority    = eventpkg.Priority
	Handler     = eventpkg.Handler
	HandlerFunc = eventpkg.HandlerFunc
	FilterFunc  = eventpkg.FilterFunc

	Pattern = patternpkg.Pattern

	EventStore        = storepkg.EventStore
	StoreBuilder      = storepkg.Builder
	StoreRegistry     = storepkg.Registry
	Deduplicator      = dedupkg.Deduplicator
	HandlerHooks      = processing.Hooks
	HandlerContext    = processing.HandlerContext
	ProcessorSettings = processing.Settings

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	InvalidPatternError    = errspkg.InvalidPatternError
	InitializationError    = errspkg.InitializationError
	DuplicateInstanceError = errspkg.DuplicateInstanceError
	LifecycleError         = errspkg.LifecycleError
	ConfigValidationError  = errspkg.ConfigValidationError
)

// Lifecycle states of a Bus.
const (
	StateUninitialized = runtimepkg.StateUninitialized
	StateInitializing  = runtimepkg.StateInitializing
	StateReady         = runtimepkg.StateReady
	StateShuttingDown  = runtimepkg.StateShuttingDown
	StateTerminated    = runtimepkg.StateTerminated
)

// Factory instance statuses.
const (
	StatusActive    = runtimepkg.StatusActive
	StatusPaused    = runtimepkg.StatusPaused
	StatusDestroyed = runtimepkg.StatusDestroyed
)

const (
	PriorityLow      = eventpkg.PriorityLow
	PriorityNormal   = eventpkg.PriorityNormal
	PriorityHigh     = eventpkg.PriorityHigh
	PriorityCritical = eventpkg.PriorityCritical
)

// Event store drivers accepted by Config.StoreDriver.
const (
	StoreMemory   = configpkg.StoreMemory
	StoreSQLite   = configpkg.StoreSQLite
	StorePostgres = configpkg.StorePostgres
)

const (
	InitializedPattern = runtimepkg.InitializedPattern
	ShutdownPattern    = runtimepkg.ShutdownPattern
)

var (
	NewBus        = runtimepkg.NewBus
	DefaultConfig = configpkg.Default
	LoadConfig    = configpkg.Load

	WithPriority             = runtimepkg.WithPriority
	WithPersistence          = runtimepkg.WithPersistence
	WithDeduplication        = runtimepkg.WithDeduplication
	WithSource               = runtimepkg.WithSource
	WithSchemaVersion        = runtimepkg.WithSchemaVersion
	WithTraceID              = runtimepkg.WithTraceID
	WithParentSpan           = runtimepkg.WithParentSpan
	WithHeaders              = runtimepkg.WithHeaders
	WithModule               = runtimepkg.WithModule
	WithSubscriptionPriority = runtimepkg.WithSubscriptionPriority
	WithHandlerTimeout       = runtimepkg.WithHandlerTimeout
	WithFilter               = runtimepkg.WithFilter
	WithRetain               = runtimepkg.WithRetain
	WithOnce                 = runtimepkg.WithOnce

	NewFactory                 = runtimepkg.NewFactory
	NewFactoryRegistry         = runtimepkg.NewFactoryRegistry
	GetOrCreateFactory         = runtimepkg.GetOrCreateFactory
	CreateMicrofrontendFactory = runtimepkg.CreateMicrofrontendFactory
	AllFactories               = runtimepkg.AllFactories
	DestroyAllFactories        = runtimepkg.DestroyAllFactories
	DefaultFactories           = runtimepkg.DefaultFactories
	InitDefaultFactories       = runtimepkg.InitDefaultFactories
	ResetDefaultFactories      = runtimepkg.ResetDefaultFactories

	ValidatePattern = patternpkg.Validate
	MatchPattern    = patternpkg.Match
	ParsePriority   = eventpkg.ParsePriority

	RegisterStore     = storepkg.Register
	NewMemoryStore    = storepkg.NewMemory
	OpenSQLiteStore   = storepkg.OpenSQLite
	OpenPostgresStore = storepkg.OpenPostgres
	NewDeduplicator   = dedupkg.NewWindow
	LoggingHooks      = processing.LoggingHooks

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger

	NewMetadata = metadatapkg.New

	ErrInvalidPattern       = errspkg.ErrInvalidPattern
	ErrNotInitialized       = errspkg.ErrNotInitialized
	ErrShutdownInProgress   = errspkg.ErrShutdownInProgress
	ErrInitializationFailed = errspkg.ErrInitializationFailed
	ErrDuplicateInstance    = errspkg.ErrDuplicateInstance
	ErrFactoryDestroyed     = errspkg.ErrFactoryDestroyed
	ErrInstanceNotFound     = errspkg.ErrInstanceNotFound
	ErrSharedDependency     = errspkg.ErrSharedDependency
	ErrInstancePaused       = errspkg.ErrInstancePaused
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrPayloadRejected      = errspkg.ErrPayloadRejected
	ErrHandlerTimeout       = errspkg.ErrHandlerTimeout
	ErrHandlerPanic         = errspkg.ErrHandlerPanic
	ErrCircuitOpen          = errspkg.ErrCircuitOpen
	ErrStoreClosed          = errspkg.ErrStoreClosed
	ErrUnknownStore         = errspkg.ErrUnknownStore
	ErrConfigRequired       = errspkg.ErrConfigRequired
)
