// Package relay defines the messages exchanged through the untrusted relay
// and the transports that carry them.
//
// Every message kind is a concrete Go type implementing Message. Inbound
// frames are validated against the JSON Schema of their kind before they
// are decoded, so the state machines only ever see well-formed values.
package relay

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sealchat/internal/keyhierarchy"
	"sealchat/internal/protoerr"
)

// Message kinds.
const (
	TypeRequestMigrate       = "requestMigrate"
	TypeMigrateRequest       = "migrateRequest"
	TypeMigrateAccept        = "migrateAccept"
	TypeMigrateData          = "migrateData"
	TypeNoticeMigrateSignKey = "noticeMigrateSignKey"
	TypeEncryptAccept        = "sessions/encrypt/accept"
	TypeEncryptSend          = "sessions/encrypt/send"
	TypeEncryptSuccess       = "sessions/encrypt/success"
	TypeKeyShare             = "keyShare"
	TypeRoomKeyCopy          = "roomKeyCopy"
	TypeRoomKeyCopies        = "roomKeyCopies"
)

var (
	ErrUnknownType = errors.New("relay: unknown message type")
	ErrMalformed   = errors.New("relay: malformed message")
)

// Message is one relay message. The set of implementations is closed.
type Message interface {
	Type() string
	isMessage()
}

// RequestMigrate is sent by a new session asking to receive the account
// keys.
type RequestMigrate struct {
	MigrateKeyPub []byte `json:"migrateKeyPub"`
	SessionID     string `json:"sessionId"`
}

// MigrateRequest is the relay's fan-out of a RequestMigrate, carrying the
// migration id it assigned.
type MigrateRequest struct {
	MigrateID     string `json:"migrateId"`
	MigrateKeyPub []byte `json:"migrateKeyPub"`
}

// MigrateAccept tells the new session which MigrateSignKey will sign the
// bundle.
type MigrateAccept struct {
	MigrateID         string `json:"migrateId"`
	MigrateSignKeyPub []byte `json:"migrateSignKeyPub"`
}

// MigrateData carries the sealed key bundle to the new session.
type MigrateData struct {
	MigrateID  string `json:"migrateId"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

// NoticeMigrateSignKey tells the account's other sessions that a migration
// was taken over by another session.
type NoticeMigrateSignKey struct {
	MigrateID         string `json:"migrateId,omitempty"`
	MigrateSignKeyPub []byte `json:"migrateSignKeyPub"`
}

// EncryptAccept is the existing session accepting a migration.
type EncryptAccept struct {
	MigrateID         string `json:"migrateId"`
	MigrateSignKeyPub []byte `json:"migrateSignKeyPub"`
}

// EncryptSend is the existing session sending the sealed bundle.
type EncryptSend struct {
	MigrateID  string `json:"migrateId"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

// EncryptSuccess announces a session's KeyShareKey. After a migration it
// also confirms completion to the source session.
type EncryptSuccess struct {
	MigrateID    string `json:"migrateId,omitempty"`
	SessionID    string `json:"sessionId"`
	ShareKeyPub  []byte `json:"shareKeyPub"`
	ShareKeySign []byte `json:"shareKeySign"`
	MasterHash   string `json:"masterHash"`
	MasterSig    []byte `json:"masterSig"`
}

// KeyShare carries a rotated AccountKey to another session.
type KeyShare struct {
	ShareKeyHash   string `json:"shareKeyHash"`
	AccountKeyHash string `json:"accountKeyHash"`
	Ciphertext     []byte `json:"ciphertext"`
	Signature      []byte `json:"signature"`
}

// RoomKeyCopy is one RoomKey sealed to one AccountKey of UserID.
type RoomKeyCopy struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	RoomKeyHash    string `json:"roomKeyHash"`
	AccountKeyHash string `json:"accountKeyHash"`
	Ciphertext     []byte `json:"ciphertext"`
}

// RoomKeyCopies publishes every copy of one distribution in a single
// frame. The relay stores all of them or, if the frame is invalid, none.
type RoomKeyCopies struct {
	Copies []RoomKeyCopy `json:"copies"`
}

func (RequestMigrate) Type() string       { return TypeRequestMigrate }
func (MigrateRequest) Type() string       { return TypeMigrateRequest }
func (MigrateAccept) Type() string        { return TypeMigrateAccept }
func (MigrateData) Type() string          { return TypeMigrateData }
func (NoticeMigrateSignKey) Type() string { return TypeNoticeMigrateSignKey }
func (EncryptAccept) Type() string        { return TypeEncryptAccept }
func (EncryptSend) Type() string          { return TypeEncryptSend }
func (EncryptSuccess) Type() string       { return TypeEncryptSuccess }
func (KeyShare) Type() string             { return TypeKeyShare }
func (RoomKeyCopy) Type() string          { return TypeRoomKeyCopy }
func (RoomKeyCopies) Type() string        { return TypeRoomKeyCopies }

func (RequestMigrate) isMessage()       {}
func (MigrateRequest) isMessage()       {}
func (MigrateAccept) isMessage()        {}
func (MigrateData) isMessage()          {}
func (NoticeMigrateSignKey) isMessage() {}
func (EncryptAccept) isMessage()        {}
func (EncryptSend) isMessage()          {}
func (EncryptSuccess) isMessage()       {}
func (KeyShare) isMessage()             {}
func (RoomKeyCopy) isMessage()          {}
func (RoomKeyCopies) isMessage()        {}

// Announcement returns the KeyShareKey public half carried by m.
func (m EncryptSuccess) Announcement() keyhierarchy.KeyShareKeyPublic {
	return keyhierarchy.KeyShareKeyPublic{
		BoxPub:     m.ShareKeyPub,
		SignPub:    m.ShareKeySign,
		SessionID:  m.SessionID,
		MasterHash: m.MasterHash,
		MasterSig:  m.MasterSig,
	}
}

// NewEncryptSuccess builds the announcement of ann.
func NewEncryptSuccess(ann keyhierarchy.KeyShareKeyPublic, migrateID string) EncryptSuccess {
	return EncryptSuccess{
		MigrateID:    migrateID,
		SessionID:    ann.SessionID,
		ShareKeyPub:  ann.BoxPub,
		ShareKeySign: ann.SignPub,
		MasterHash:   ann.MasterHash,
		MasterSig:    ann.MasterSig,
	}
}

// MigrationID returns the migration a message belongs to, or "".
func MigrationID(m Message) string {
	switch v := m.(type) {
	case MigrateRequest:
		return v.MigrateID
	case MigrateAccept:
		return v.MigrateID
	case MigrateData:
		return v.MigrateID
	case NoticeMigrateSignKey:
		return v.MigrateID
	case EncryptAccept:
		return v.MigrateID
	case EncryptSend:
		return v.MigrateID
	case EncryptSuccess:
		return v.MigrateID
	}
	return ""
}

var factories = map[string]func() Message{
	TypeRequestMigrate:       func() Message { return &RequestMigrate{} },
	TypeMigrateRequest:       func() Message { return &MigrateRequest{} },
	TypeMigrateAccept:        func() Message { return &MigrateAccept{} },
	TypeMigrateData:          func() Message { return &MigrateData{} },
	TypeNoticeMigrateSignKey: func() Message { return &NoticeMigrateSignKey{} },
	TypeEncryptAccept:        func() Message { return &EncryptAccept{} },
	TypeEncryptSend:          func() Message { return &EncryptSend{} },
	TypeEncryptSuccess:       func() Message { return &EncryptSuccess{} },
	TypeKeyShare:             func() Message { return &KeyShare{} },
	TypeRoomKeyCopy:          func() Message { return &RoomKeyCopy{} },
	TypeRoomKeyCopies:        func() Message { return &RoomKeyCopies{} },
}

// schemaFiles maps each kind to its schema under schemas/.
var schemaFiles = map[string]string{
	TypeRequestMigrate:       "request_migrate.json",
	TypeMigrateRequest:       "migrate_request.json",
	TypeMigrateAccept:        "migrate_accept.json",
	TypeMigrateData:          "migrate_data.json",
	TypeNoticeMigrateSignKey: "notice_migrate_sign_key.json",
	TypeEncryptAccept:        "encrypt_accept.json",
	TypeEncryptSend:          "encrypt_send.json",
	TypeEncryptSuccess:       "encrypt_success.json",
	TypeKeyShare:             "key_share.json",
	TypeRoomKeyCopy:          "room_key_copy.json",
	TypeRoomKeyCopies:        "room_key_copies.json",
}

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		out := make(map[string]*jsonschema.Schema, len(schemaFiles))
		for kind, file := range schemaFiles {
			data, err := schemaFS.ReadFile("schemas/" + file)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", file, err)
				return
			}
			url := "sealchat://relay/" + file
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", file, err)
				return
			}
			s, err := compiler.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", file, err)
				return
			}
			out[kind] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Decode validates data against the schema of its kind and returns the
// typed message. Failures are ValidationErrors.
func Decode(data []byte) (Message, error) {
	const op = "relay.decode"

	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, protoerr.Validation(op, protoerr.ReasonMalformed, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, protoerr.Validation(op, protoerr.ReasonMalformed, fmt.Errorf("%w: not an object", ErrMalformed))
	}
	kind, _ := obj["type"].(string)
	newMsg, ok := factories[kind]
	if !ok {
		return nil, protoerr.Validation(op, protoerr.ReasonMalformed, fmt.Errorf("%w %q", ErrUnknownType, kind))
	}

	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if err := compiled[kind].Validate(raw); err != nil {
		return nil, protoerr.Validation(op, protoerr.ReasonMalformed, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err))
	}

	m := newMsg()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, protoerr.Validation(op, protoerr.ReasonMalformed, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return deref(m), nil
}

// Encode renders m with its type discriminator.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	head, err := json.Marshal(struct {
		Type string `json:"type"`
	}{m.Type()})
	if err != nil {
		return nil, err
	}
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	return append(out, body[1:]...), nil
}

// deref returns the value form so callers can switch on concrete types.
func deref(m Message) Message {
	switch v := m.(type) {
	case *RequestMigrate:
		return *v
	case *MigrateRequest:
		return *v
	case *MigrateAccept:
		return *v
	case *MigrateData:
		return *v
	case *NoticeMigrateSignKey:
		return *v
	case *EncryptAccept:
		return *v
	case *EncryptSend:
		return *v
	case *EncryptSuccess:
		return *v
	case *KeyShare:
		return *v
	case *RoomKeyCopy:
		return *v
	case *RoomKeyCopies:
		return *v
	}
	return m
}
