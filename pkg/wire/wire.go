// Package wire defines the wire protocol exchanged between the remcli daemon
// and its clients (mobile/web UI, child sessions, the daemon's own machine
// client) over WebSocket and HTTP.
//
// All messages are JSON-encoded. WebSocket traffic uses a common Frame with a
// "type" field that determines the payload structure; frames carrying an "id"
// expect a correlated response frame with the same id.
package wire

import (
	"encoding/json"
	"time"
)

// Frame is the top-level WebSocket message format in both directions.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // correlation id for request/response
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame with a marshalled payload.
func NewFrame(frameType, id string, payload any) (Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		raw = data
	}
	return Frame{Type: frameType, ID: id, Payload: raw}, nil
}

// --- Frame type constants ---

const (
	// Handshake
	TypeAuth    = "auth"
	TypeAuthAck = "auth-ack"

	// Server → client pushes
	TypeUpdate    = "update"
	TypeEphemeral = "ephemeral"

	// Correlated replies to client requests
	TypeResponse = "response"

	// RPC forwarding
	TypeRPCRequest      = "rpc-request"
	TypeRPCResponse     = "rpc-response"
	TypeRPCRegistered   = "rpc-registered"
	TypeRPCUnregistered = "rpc-unregistered"
	TypeRPCError        = "rpc-error"

	// Client → server operations
	TypePing                  = "ping"
	TypeMessage               = "message"
	TypeSessionAlive          = "session-alive"
	TypeSessionEnd            = "session-end"
	TypeUpdateMetadata        = "update-metadata"
	TypeUpdateState           = "update-state"
	TypeMachineAlive          = "machine-alive"
	TypeMachineUpdateMetadata = "machine-update-metadata"
	TypeMachineUpdateState    = "machine-update-state"
	TypeArtifactCreate        = "artifact-create"
	TypeArtifactRead          = "artifact-read"
	TypeArtifactUpdate        = "artifact-update"
	TypeArtifactDelete        = "artifact-delete"
	TypeUsageReport           = "usage-report"
	TypeRPCRegister           = "rpc-register"
	TypeRPCUnregister         = "rpc-unregister"
	TypeRPCCall               = "rpc-call"
)

// --- Handshake ---

// Client scopes. A session-scoped client must carry SessionID, a
// machine-scoped client must carry MachineID.
const (
	ClientTypeUser    = "user-scoped"
	ClientTypeSession = "session-scoped"
	ClientTypeMachine = "machine-scoped"
)

// AuthRequest is the first frame a client sends after connecting.
type AuthRequest struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
	SessionID  string `json:"sessionId,omitempty"`
	MachineID  string `json:"machineId,omitempty"`
}

// AuthAck is the daemon's response to AuthRequest.
type AuthAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// --- Update / ephemeral envelopes ---

// UpdateEnvelope is a persistent, sequenced state-change notification.
// Seq is allocated from the per-user update counter.
type UpdateEnvelope struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	Body      UpdateBody `json:"body"`
	CreatedAt int64      `json:"createdAt"` // unix millis
}

// UpdateBody is the discriminated body of an update. Exactly one of the
// optional fields is set, according to T.
type UpdateBody struct {
	T string `json:"t"`

	SessionID string `json:"sid,omitempty"`
	MachineID string `json:"machineId,omitempty"`

	Session  *Session  `json:"session,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Machine  *Machine  `json:"machine,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`

	Metadata    *VersionedValue `json:"metadata,omitempty"`
	AgentState  *VersionedValue `json:"agentState,omitempty"`
	DaemonState *VersionedValue `json:"daemonState,omitempty"`
	Header      *VersionedValue `json:"header,omitempty"`
	Body        *VersionedValue `json:"body,omitempty"`
}

// Update body discriminators.
const (
	UpdateNewSession          = "new-session"
	UpdateSession             = "update-session"
	UpdateDeleteSession       = "delete-session"
	UpdateNewMessage          = "new-message"
	UpdateNewMachine          = "new-machine"
	UpdateMachine             = "update-machine"
	UpdateNewArtifact         = "new-artifact"
	UpdateArtifact            = "update-artifact"
	UpdateDeleteArtifact      = "delete-artifact"
	UpdateAccount             = "update-account"
	UpdateRelationship        = "relationship-updated"
	UpdateNewFeedPost         = "new-feed-post"
	UpdateKVBatch             = "kv-batch-update"
)

// VersionedValue pairs an opaque value with its version counter, as carried
// inside update-session / update-machine / update-artifact bodies.
type VersionedValue struct {
	Version int64  `json:"version"`
	Value   string `json:"value"`
}

// EphemeralEnvelope is a transient notification with no ordering or replay
// guarantee. Fields beyond Type are populated per ephemeral type.
type EphemeralEnvelope struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sid,omitempty"`
	MachineID string  `json:"machineId,omitempty"`
	Active    *bool   `json:"active,omitempty"`
	ActiveAt  int64   `json:"activeAt,omitempty"`
	Thinking  *bool   `json:"thinking,omitempty"`
	Status    string  `json:"status,omitempty"`
	Key       string  `json:"key,omitempty"`
	Tokens    int64   `json:"tokens,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
}

// Ephemeral types.
const (
	EphemeralActivity        = "activity"
	EphemeralMachineActivity = "machine-activity"
	EphemeralUsage           = "usage"
	EphemeralMachineStatus   = "machine-status"
	EphemeralDaemonStatus    = "daemon-status"
)

// --- Entities on the wire ---

// MessageContent wraps an end-to-end encrypted message body. The daemon never
// looks inside C.
type MessageContent struct {
	T string `json:"t"` // always "encrypted"
	C string `json:"c"` // base64 ciphertext
}

// EncryptedContent wraps a base64 blob as stored message content.
func EncryptedContent(c string) MessageContent {
	return MessageContent{T: "encrypted", C: c}
}

// Session is the wire form of a session record.
type Session struct {
	ID                 string  `json:"id"`
	Tag                string  `json:"tag"`
	Seq                int64   `json:"seq"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int64   `json:"metadataVersion"`
	AgentState         *string `json:"agentState"`
	AgentStateVersion  int64   `json:"agentStateVersion"`
	DataEncryptionKey  *string `json:"dataEncryptionKey"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sid"`
	Seq       int64          `json:"seq"`
	Content   MessageContent `json:"content"`
	LocalID   *string        `json:"localId,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

// Machine is the wire form of a machine record.
type Machine struct {
	ID                 string  `json:"id"`
	Seq                int64   `json:"seq"`
	Metadata           string  `json:"metadata"`
	MetadataVersion    int64   `json:"metadataVersion"`
	DaemonState        *string `json:"daemonState"`
	DaemonStateVersion int64   `json:"daemonStateVersion"`
	DataEncryptionKey  *string `json:"dataEncryptionKey"`
	Active             bool    `json:"active"`
	ActiveAt           int64   `json:"activeAt"`
	CreatedAt          int64   `json:"createdAt"`
	UpdatedAt          int64   `json:"updatedAt"`
}

// Artifact is the wire form of an artifact record.
type Artifact struct {
	ID                string  `json:"id"`
	Seq               int64   `json:"seq"`
	Header            string  `json:"header"`
	HeaderVersion     int64   `json:"headerVersion"`
	Body              string  `json:"body"`
	BodyVersion       int64   `json:"bodyVersion"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
	CreatedAt         int64   `json:"createdAt"`
	UpdatedAt         int64   `json:"updatedAt"`
}

// --- Client request payloads ---

// MessageSend is the payload of a "message" frame.
type MessageSend struct {
	SessionID string  `json:"sid"`
	Message   string  `json:"message"` // base64 ciphertext
	LocalID   *string `json:"localId,omitempty"`
}

// SessionAlive is a session keep-alive, optionally carrying thinking state.
type SessionAlive struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
	Thinking  bool   `json:"thinking,omitempty"`
}

// SessionEnd marks a session inactive.
type SessionEnd struct {
	SessionID string `json:"sid"`
	Time      int64  `json:"time"`
}

// MetadataUpdate is an optimistic-concurrency write of session metadata.
type MetadataUpdate struct {
	SessionID       string `json:"sid"`
	Metadata        string `json:"metadata"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// StateUpdate is an optimistic-concurrency write of session agent state.
type StateUpdate struct {
	SessionID       string `json:"sid"`
	AgentState      string `json:"agentState"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// MachineAlive is a machine keep-alive.
type MachineAlive struct {
	MachineID string `json:"machineId"`
	Time      int64  `json:"time"`
}

// MachineMetadataUpdate is an OCC write of machine metadata.
type MachineMetadataUpdate struct {
	MachineID       string `json:"machineId"`
	Metadata        string `json:"metadata"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// MachineStateUpdate is an OCC write of machine daemon state.
type MachineStateUpdate struct {
	MachineID       string `json:"machineId"`
	DaemonState     string `json:"daemonState"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// ArtifactCreate creates a new artifact.
type ArtifactCreate struct {
	ID                string  `json:"id"`
	Header            string  `json:"header"`
	Body              string  `json:"body"`
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
}

// ArtifactRead fetches one artifact by id.
type ArtifactRead struct {
	ID string `json:"id"`
}

// ArtifactUpdate writes artifact header and/or body under OCC. A nil field is
// left untouched.
type ArtifactUpdate struct {
	ID                    string  `json:"id"`
	Header                *string `json:"header,omitempty"`
	ExpectedHeaderVersion int64   `json:"expectedHeaderVersion,omitempty"`
	Body                  *string `json:"body,omitempty"`
	ExpectedBodyVersion   int64   `json:"expectedBodyVersion,omitempty"`
}

// ArtifactDelete removes an artifact.
type ArtifactDelete struct {
	ID string `json:"id"`
}

// UsageReport carries token/cost accounting from a session client.
type UsageReport struct {
	Key       string  `json:"key"`
	SessionID *string `json:"sessionId,omitempty"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
}

// RPCRegister binds a method name to the sending connection.
type RPCRegister struct {
	Method string `json:"method"`
}

// RPCUnregister releases a method binding.
type RPCUnregister struct {
	Method string `json:"method"`
}

// RPCCall forwards params to whichever connection registered the method.
type RPCCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCRequest is delivered to the registrant of a method; the registrant must
// answer with an rpc-response frame carrying the same frame id.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCCallResult resolves an rpc-call.
type RPCCallResult struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RPCMethodEvent is the payload of rpc-registered / rpc-unregistered pushes.
type RPCMethodEvent struct {
	Method string `json:"method"`
}

// RPCErrorEvent is the payload of rpc-error pushes.
type RPCErrorEvent struct {
	Method string `json:"method"`
	Error  string `json:"error"`
}

// --- Write results ---

// Write outcomes for OCC operations.
const (
	ResultSuccess         = "success"
	ResultVersionMismatch = "version-mismatch"
	ResultError           = "error"
)

// WriteResult is the callback payload for an OCC write. Value is echoed under
// the field name of the written entity attribute (metadata, agentState, ...).
type WriteResult struct {
	Result  string `json:"result"`
	Version int64  `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

// Millis converts a time to the unix-millisecond representation used on the
// wire.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
