package protocol

import (
	"encoding/json"
)

// MessageType identifies a protocol message.
type MessageType string

// Inbound message types.
const (
	MessageSSHStart       MessageType = "ssh:start"
	MessageSSHResize      MessageType = "ssh:resize"
	MessageSSHInput       MessageType = "ssh:input"
	MessageSSHJoin        MessageType = "ssh:join"
	MessageSSHPermission  MessageType = "ssh:permission"
	MessageSSHControl     MessageType = "ssh:control"
	MessageSFTPConnect    MessageType = "sftp:connect"
	MessageSFTPList       MessageType = "sftp:list"
	MessageSFTPStat       MessageType = "sftp:stat"
	MessageSFTPExists     MessageType = "sftp:exists"
	MessageSFTPMkdir      MessageType = "sftp:mkdir"
	MessageSFTPRmdir      MessageType = "sftp:rmdir"
	MessageSFTPDelete     MessageType = "sftp:delete"
	MessageSFTPCreateFile MessageType = "sftp:create-file"
	MessageSFTPRename     MessageType = "sftp:rename"
	MessageSFTPMove       MessageType = "sftp:move"
	MessageSFTPExtract    MessageType = "sftp:extract"
	MessageTransferCancel MessageType = "transfer:cancel"
)

// Outbound message types.
const (
	MessageSSHReady         MessageType = "ssh:ready"
	MessageSSHData          MessageType = "ssh:data"
	MessageSSHError         MessageType = "ssh:error"
	MessageSSHBanner        MessageType = "ssh:banner"
	MessageSSHHostKey       MessageType = "ssh:hostkey"
	MessageSSHDisconnected  MessageType = "ssh:disconnected"
	MessageSessionInfo      MessageType = "session:info"
	MessageSessionNotFound  MessageType = "session:not-found"
	MessageSessionEnd       MessageType = "session:end"
	MessagePermission       MessageType = "permission"
	MessagePermissionDenied MessageType = "permission:denied"
	MessageSFTPReady        MessageType = "sftp:ready"
	MessageSFTPSuccess      MessageType = "sftp:success"
	MessageSFTPError        MessageType = "sftp:error"
	MessageUploadProgress   MessageType = "upload:progress"
	MessageDownloadProgress MessageType = "download:progress"
	MessageFileUploaded     MessageType = "file:uploaded"
	MessageCompressing      MessageType = "compressing"
	MessageError            MessageType = "error"
)

// Envelope wraps all protocol messages.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope constructs an envelope with a marshaled payload.
func NewEnvelope(msgType MessageType, sessionID string, seq uint64, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		raw = data
	}
	return Envelope{Type: msgType, SessionID: sessionID, Seq: seq, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that always marshal.
func MustEnvelope(msgType MessageType, sessionID string, payload any) Envelope {
	env, err := NewEnvelope(msgType, sessionID, 0, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload unmarshals the payload into the provided struct.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// StartPayload opens an SSH terminal.
type StartPayload struct {
	Host       string `json:"host"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	AuthMethod string `json:"authMethod,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

// StreamPayload carries terminal bytes in either direction.
type StreamPayload struct {
	Data []byte `json:"data"`
}

// HostKeyPayload identifies the key the remote host presented.
type HostKeyPayload struct {
	Algorithm   string `json:"algorithm"`
	Fingerprint string `json:"fingerprint"`
}

// ResizePayload sends terminal size updates.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// JoinPayload asks to view a session.
type JoinPayload struct {
	SessionID string `json:"session_id"`
}

// PermissionPayload sets or announces a viewer permission.
type PermissionPayload struct {
	ViewerID string `json:"viewerId"`
	Level    Level  `json:"level"`
}

// Level is a permission level. Clients send either a mode number such as
// 700 or a name such as "read-write".
type Level string

// UnmarshalJSON accepts JSON strings and numbers.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Level(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*l = Level(n.String())
	return nil
}

// ControlPayload pauses or kicks a viewer.
type ControlPayload struct {
	ViewerID string `json:"viewerId"`
	Action   string `json:"action"`
}

// SessionInfoPayload carries the viewer roster or a notice.
type SessionInfoPayload struct {
	ViewerID string   `json:"viewerId,omitempty"`
	Viewers  []string `json:"viewers,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ViewerPayload names a single viewer.
type ViewerPayload struct {
	ViewerID string `json:"viewerId"`
}

// PathPayload names a remote path.
type PathPayload struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// RenamePayload moves a remote path.
type RenamePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CancelPayload aborts a transfer by name.
type CancelPayload struct {
	Name string `json:"name"`
}

// ResultPayload reports the outcome of a file operation.
type ResultPayload struct {
	Op     string `json:"op"`
	Path   string `json:"path,omitempty"`
	Result any    `json:"result,omitempty"`
}

// ErrorPayload communicates error details.
type ErrorPayload struct {
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
}

// UploadedPayload announces a finished upload.
type UploadedPayload struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

// CompressingPayload announces that a directory download is being packaged.
type CompressingPayload struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Total   int64  `json:"total"`
}
