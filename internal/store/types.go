// Package store defines the storage contract shared by the embedded and
// relational backends: entity types, the Backend interface, the error
// taxonomy and the input validation both implementations must apply.
package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// BackendKind names a storage engine, and doubles as the routing state of a namespace.
type BackendKind string

const (
	BackendEmbedded   BackendKind = "embedded"
	BackendRelational BackendKind = "relational"
	// BackendMigrating is only ever a routing state, never a backend.
	BackendMigrating BackendKind = "migrating"
)

// Valid reports whether k names a concrete backend.
func (k BackendKind) Valid() bool {
	return k == BackendEmbedded || k == BackendRelational
}

// ConfigKind is the kind of a configuration object.
type ConfigKind string

const (
	KindGenerator    ConfigKind = "generator"
	KindDataset      ConfigKind = "dataset"
	KindScorer       ConfigKind = "scorer"
	KindOrchestrator ConfigKind = "orchestrator"
)

// ConfigKinds lists every kind in a fixed order.
var ConfigKinds = []ConfigKind{KindGenerator, KindDataset, KindScorer, KindOrchestrator}

// Status of a configuration object.
type Status string

const (
	StatusReady   Status = "ready"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

// Params is the free-form parameter mapping of a configuration object.
type Params map[string]any

// Namespace identifies the isolated storage unit of one user.
type Namespace struct {
	Token string
}

// Category is the short, non-reversible label used in errors and logs.
func (n Namespace) Category() string {
	if len(n.Token) > 8 {
		return n.Token[:8]
	}
	return n.Token
}

// Handle is the backend-specific address of a namespace: a file path for
// the embedded backend, a schema name for the relational one.
type Handle struct {
	Kind     BackendKind
	Location string
}

func (h Handle) String() string { return string(h.Kind) + ":" + h.Location }

// ConfigObject is a generator, dataset, scorer or orchestrator configuration.
type ConfigObject struct {
	ID        string     `json:"id"`
	Kind      ConfigKind `json:"kind"`
	Name      string     `json:"name"`
	Params    Params     `json:"params"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ConfigFilter narrows ListConfigs. The zero value lists everything of a
// kind in created_at ascending order.
type ConfigFilter struct {
	Status     Status
	NamePrefix string
	Descending bool
	Limit      int
}

// ConfigUpdate is the result of UpdateConfig. Previous holds the params
// mapping that the update discarded.
type ConfigUpdate struct {
	Config   *ConfigObject `json:"config"`
	Previous Params        `json:"previous"`
}

// Turn is one request/response exchange of a conversation.
type Turn struct {
	ConversationID string    `json:"conversation_id"`
	TurnNumber     int       `json:"turn_number"`
	RequestText    string    `json:"request_text"`
	ResponseText   string    `json:"response_text"`
	Metadata       Params    `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnRange is an optional [Start, End) bound on turn numbers. A nil End is open.
type TurnRange struct {
	Start int
	End   *int
}

// Embedding is a vector attached to a conversation under a type tag.
type Embedding struct {
	ConversationID string    `json:"conversation_id"`
	EmbeddingType  string    `json:"embedding_type"`
	Vector         []float32 `json:"vector"`
	Metadata       Params    `json:"metadata"`
	CreatedAt      time.Time `json:"created_at"`
}

// Neighbor is one nearest-neighbour hit.
type Neighbor struct {
	Embedding
	Distance float64 `json:"distance"`
}

// NearestResult carries the hits and tells the caller which backend served
// them and whether the ordering is exact.
type NearestResult struct {
	Backend   BackendKind `json:"backend"`
	Exact     bool        `json:"exact"`
	Metric    string      `json:"metric"`
	Neighbors []Neighbor  `json:"neighbors"`
}

// MetricL2 is the distance function used by both backends.
const MetricL2 = "l2"

// NewID returns a new configuration identifier.
func NewID() string {
	return ulid.Make().String()
}

// Now is the storage clock. Timestamps are truncated to microseconds so
// that both backends store them losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
