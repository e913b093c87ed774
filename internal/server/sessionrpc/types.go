package sessionrpc

import "github.com/flarebyte/redstore/internal/store"

// JSON request/response types for the gRPC JSON codec and the Connect-style
// HTTP handler. Every request names the caller by opaque user id.

type CreateConfigRequest struct {
	UserID string           `json:"user_id"`
	Kind   store.ConfigKind `json:"kind"`
	Name   string           `json:"name"`
	Params store.Params     `json:"params,omitempty"`
}

type CreateConfigResponse struct {
	ID string `json:"id"`
}

type GetConfigRequest struct {
	UserID string           `json:"user_id"`
	Kind   store.ConfigKind `json:"kind"`
	ID     string           `json:"id"`
}

type ConfigResponse struct {
	Config *store.ConfigObject `json:"config"`
}

type ListConfigsRequest struct {
	UserID     string           `json:"user_id"`
	Kind       store.ConfigKind `json:"kind"`
	Status     store.Status     `json:"status,omitempty"`
	NamePrefix string           `json:"name_prefix,omitempty"`
	Descending bool             `json:"descending,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

type ListConfigsResponse struct {
	Items []*store.ConfigObject `json:"items"`
}

type UpdateConfigRequest struct {
	UserID string           `json:"user_id"`
	Kind   store.ConfigKind `json:"kind"`
	ID     string           `json:"id"`
	Params store.Params     `json:"params"`
}

type DeleteConfigRequest struct {
	UserID string           `json:"user_id"`
	Kind   store.ConfigKind `json:"kind"`
	ID     string           `json:"id"`
	Force  bool             `json:"force,omitempty"`
}

type DeleteConfigResponse struct {
	Deleted bool `json:"deleted"`
}

type AppendTurnRequest struct {
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id"`
	TurnNumber     int          `json:"turn_number"`
	RequestText    string       `json:"request_text"`
	ResponseText   string       `json:"response_text"`
	Metadata       store.Params `json:"metadata,omitempty"`
}

type AppendTurnResponse struct{}

type ReadConversationRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Start          int    `json:"start,omitempty"`
	End            *int   `json:"end,omitempty"`
}

type ReadConversationResponse struct {
	Turns []*store.Turn `json:"turns"`
}

type UpsertEmbeddingRequest struct {
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id"`
	EmbeddingType  string       `json:"embedding_type"`
	Vector         []float32    `json:"vector"`
	Metadata       store.Params `json:"metadata,omitempty"`
}

type UpsertEmbeddingResponse struct{}

type ReadEmbeddingsRequest struct {
	UserID        string `json:"user_id"`
	EmbeddingType string `json:"embedding_type,omitempty"`
}

type ReadEmbeddingsResponse struct {
	Items []*store.Embedding `json:"items"`
}

type NearestEmbeddingsRequest struct {
	UserID        string    `json:"user_id"`
	EmbeddingType string    `json:"embedding_type"`
	Query         []float32 `json:"query"`
	K             int       `json:"k"`
}
