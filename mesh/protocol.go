package mesh

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/golang/glog"
)

// frames are json text frames tagged by `type`
// inbound:  {"type":"graph_update","payload":{"node":{...},"links":[...]}}
// outbound: {"type":"utterance","user":...,"text":...}

const (
	MessageTypeGraphUpdate = "graph_update"
	MessageTypeUtterance   = "utterance"
)

// float32 cosine similarity can land just outside [0, 1]
const SimilarityTolerance = 1e-6

var validate = validator.New()

type Node struct {
	Id   string `json:"id"`
	Text string `json:"text"`
	User string `json:"user"`
}

// identity is the unordered pair (Source, Target)
type Link struct {
	Source     string  `json:"source" validate:"required"`
	Target     string  `json:"target" validate:"required"`
	Similarity float64 `json:"similarity" validate:"gte=0,lte=1"`
}

type UpdatePayload struct {
	Node  Node
	Links []Link
}

type Envelope struct {
	Type string
	// set only when `Type` is `graph_update`
	GraphUpdate *UpdatePayload
}

type Utterance struct {
	Type string `json:"type"`
	User string `json:"user" validate:"required"`
	Text string `json:"text" validate:"required"`
}

func NewUtterance(user string, text string) *Utterance {
	return &Utterance{
		Type: MessageTypeUtterance,
		User: user,
		Text: text,
	}
}

type rawEnvelope struct {
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

type wireNode struct {
	Id        string `json:"id" validate:"required"`
	SessionId string `json:"session_id"`
	User      string `json:"user"`
	Text      string `json:"text"`
}

type wireGraphUpdate struct {
	Node  wireNode `json:"node"`
	Links []Link   `json:"links"`
}

type ProtocolError struct {
	Type   string
	Reason string
	Err    error
}

func (self *ProtocolError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("protocol error (%s): %s: %s", self.Type, self.Reason, self.Err)
	}
	return fmt.Sprintf("protocol error (%s): %s", self.Type, self.Reason)
}

func (self *ProtocolError) Unwrap() error {
	return self.Err
}

func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

// decodes and validates one inbound frame
// `sessionId` is the session of the connection the frame arrived on. A node tagged with a different
// session is rejected. Unknown message types decode to an envelope with no payload.
func ParseEnvelope(frame []byte, sessionId string) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if err := validate.Struct(&raw); err != nil {
		return nil, &ProtocolError{Reason: "missing type", Err: err}
	}

	switch raw.Type {
	case MessageTypeGraphUpdate:
		if len(raw.Payload) == 0 || bytes.Equal(raw.Payload, []byte("null")) {
			return nil, &ProtocolError{Type: raw.Type, Reason: "missing payload"}
		}
		decoder := json.NewDecoder(bytes.NewReader(raw.Payload))
		decoder.DisallowUnknownFields()
		var update wireGraphUpdate
		if err := decoder.Decode(&update); err != nil {
			return nil, &ProtocolError{Type: raw.Type, Reason: "malformed payload", Err: err}
		}
		if err := validate.Struct(&update); err != nil {
			return nil, &ProtocolError{Type: raw.Type, Reason: "invalid payload", Err: err}
		}
		if update.Node.SessionId != "" && sessionId != "" && update.Node.SessionId != sessionId {
			return nil, &ProtocolError{
				Type:   raw.Type,
				Reason: fmt.Sprintf("node session %s does not match connection session %s", update.Node.SessionId, sessionId),
			}
		}
		return &Envelope{
			Type: raw.Type,
			GraphUpdate: &UpdatePayload{
				Node: Node{
					Id:   update.Node.Id,
					Text: update.Node.Text,
					User: update.Node.User,
				},
				Links: validLinks(update.Node.Id, update.Links),
			},
		}, nil
	default:
		return &Envelope{Type: raw.Type}, nil
	}
}

// similarity within `SimilarityTolerance` of the range is clamped
// any other invalid link is dropped on its own and the node is kept
func validLinks(nodeId string, links []Link) []Link {
	valid := make([]Link, 0, len(links))
	for _, link := range links {
		if -SimilarityTolerance <= link.Similarity && link.Similarity < 0 {
			link.Similarity = 0
		} else if 1 < link.Similarity && link.Similarity <= 1+SimilarityTolerance {
			link.Similarity = 1
		}
		if err := validate.Struct(&link); err != nil {
			glog.Infof("[p]%s drop link %s-%s = %s\n", nodeId, link.Source, link.Target, err)
			continue
		}
		valid = append(valid, link)
	}
	return valid
}

func EncodeUtterance(utterance *Utterance) ([]byte, error) {
	if err := validate.Struct(utterance); err != nil {
		return nil, err
	}
	return json.Marshal(utterance)
}

// the frame the backend broadcasts for a new node
// used by the offline layout tool and tests
func EncodeGraphUpdate(sessionId string, update *UpdatePayload) ([]byte, error) {
	links := update.Links
	if links == nil {
		links = []Link{}
	}
	payload, err := json.Marshal(&wireGraphUpdate{
		Node: wireNode{
			Id:        update.Node.Id,
			SessionId: sessionId,
			User:      update.Node.User,
			Text:      update.Node.Text,
		},
		Links: links,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(&rawEnvelope{
		Type:    MessageTypeGraphUpdate,
		Payload: payload,
	})
}
