// Package transport converts between the wire Envelope (spec.md §6) and the
// internal dispatcher.Request / model.Response shapes the rest of the core
// operates on. This is the one package allowed to know about the generated
// gen/go/workflow/v1 types and google.protobuf.Struct.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	workflowv1 "github.com/cyoda-platform/cyoda-worker-go/gen/go/workflow/v1"
	"github.com/cyoda-platform/cyoda-worker-go/internal/dispatcher"
	"github.com/cyoda-platform/cyoda-worker-go/internal/domain/model"
)

// Frame type strings — spec.md §6's wire contract table. ReAuth's name is a
// SPEC_FULL.md-resolved Open Question: it follows the same
// "cyoda.workflow.v1.X" convention as every other frame.
const (
	TypeJoin              = "cyoda.workflow.v1.Join"
	TypeGreet             = "cyoda.workflow.v1.Greet"
	TypeProcessorRequest  = "cyoda.workflow.v1.EntityProcessorCalculationRequest"
	TypeProcessorResponse = "cyoda.workflow.v1.EntityProcessorCalculationResponse"
	TypeCriteriaRequest   = "cyoda.workflow.v1.EntityCriteriaCalculationRequest"
	TypeCriteriaResponse  = "cyoda.workflow.v1.EntityCriteriaCalculationResponse"
	TypeKeepAlive         = "cyoda.workflow.v1.KeepAlive"
	TypeKeepAliveAck      = "cyoda.workflow.v1.KeepAliveAck"
	TypeReAuth            = "cyoda.workflow.v1.ReAuth"
)

// BuildJoin wraps a JoinData payload in an Envelope — the first frame the
// Stream Session sends on every (re)connect.
func BuildJoin(source, processID string, handlers []model.HandlerRef, schemaVersion int32) (*workflowv1.Envelope, error) {
	descs := make([]*workflowv1.HandlerDescriptor, 0, len(handlers))
	for _, h := range handlers {
		descs = append(descs, &workflowv1.HandlerDescriptor{
			Kind:    handlerKindToWire(h.Kind),
			Name:    h.Name,
			Version: h.Version,
		})
	}
	data, err := structToStruct(&workflowv1.JoinData{
		ProcessId:     processID,
		Handlers:      descs,
		SchemaVersion: schemaVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: build join frame: %w", err)
	}
	return newEnvelope(source, TypeJoin, data), nil
}

// ParseGreet extracts the session ID and server version from a Greet frame.
func ParseGreet(env *workflowv1.Envelope) (sessionID, serverVersion string, err error) {
	var g workflowv1.GreetData
	if err := structFromStruct(env.GetData(), &g); err != nil {
		return "", "", fmt.Errorf("transport: parse greet frame: %w", err)
	}
	return g.GetSessionId(), g.GetServerVersion(), nil
}

// BuildKeepAlive wraps a KeepAliveData payload — sent periodically in both
// directions while the session is Running.
func BuildKeepAlive(source string, at time.Time) (*workflowv1.Envelope, error) {
	data, err := structToStruct(&workflowv1.KeepAliveData{Timestamp: at.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("transport: build keepalive frame: %w", err)
	}
	return newEnvelope(source, TypeKeepAlive, data), nil
}

// BuildKeepAliveAck acknowledges a KeepAlive frame received from the peer.
func BuildKeepAliveAck(source string, at time.Time) (*workflowv1.Envelope, error) {
	data, err := structToStruct(&workflowv1.KeepAliveData{Timestamp: at.UnixMilli()})
	if err != nil {
		return nil, fmt.Errorf("transport: build keepalive ack frame: %w", err)
	}
	return newEnvelope(source, TypeKeepAliveAck, data), nil
}

// BuildReAuth wraps a refreshed bearer token in a ReAuth frame.
func BuildReAuth(source, token string) (*workflowv1.Envelope, error) {
	data, err := structToStruct(&workflowv1.ReAuthData{Token: token})
	if err != nil {
		return nil, fmt.Errorf("transport: build reauth frame: %w", err)
	}
	return newEnvelope(source, TypeReAuth, data), nil
}

// ParseInbound decodes a received Envelope into a dispatcher.Request. ok is
// false for frame types the dispatcher never sees (Greet, KeepAlive/Ack) —
// the Stream Session handles those directly instead of routing them here.
func ParseInbound(env *workflowv1.Envelope) (req dispatcher.Request, ok bool, err error) {
	switch env.GetType() {
	case TypeProcessorRequest:
		var d workflowv1.EntityProcessorCalculationRequestData
		if err := structFromStruct(env.GetData(), &d); err != nil {
			return dispatcher.Request{}, false, fmt.Errorf("transport: parse processor request: %w", err)
		}
		req = dispatcher.Request{
			RequestID:    d.GetRequestId(),
			Kind:         model.KindProcessor,
			HandlerName:  d.GetProcessorName(),
			ModelName:    d.GetModelName(),
			ModelVersion: d.GetModelVersion(),
			TechnicalID:  d.GetTechnicalId(),
			Payload:      d.GetPayload().AsMap(),
			DeadlineHint: deadlineHint(d.DeadlineMillis),
		}
		return req, true, nil

	case TypeCriteriaRequest:
		var d workflowv1.EntityCriteriaCalculationRequestData
		if err := structFromStruct(env.GetData(), &d); err != nil {
			return dispatcher.Request{}, false, fmt.Errorf("transport: parse criteria request: %w", err)
		}
		req = dispatcher.Request{
			RequestID:    d.GetRequestId(),
			Kind:         model.KindCriterion,
			HandlerName:  d.GetCriterionName(),
			ModelName:    d.GetModelName(),
			ModelVersion: d.GetModelVersion(),
			TechnicalID:  d.GetTechnicalId(),
			Payload:      d.GetPayload().AsMap(),
			DeadlineHint: deadlineHint(d.DeadlineMillis),
		}
		return req, true, nil

	default:
		return dispatcher.Request{}, false, nil
	}
}

// BuildResponse wraps a model.Response as the matching response Envelope,
// using resp.Kind to pick between the processor and criterion response
// shapes.
func BuildResponse(source string, resp model.Response) (*workflowv1.Envelope, error) {
	switch resp.Kind {
	case model.KindProcessor:
		payload, err := structpb.NewStruct(resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("transport: build processor response: %w", err)
		}
		data, err := structToStruct(&workflowv1.EntityProcessorCalculationResponseData{
			RequestId:        resp.RequestID,
			Success:          resp.Success,
			Payload:          payload,
			ErrorKind:        string(resp.ErrorKind),
			ErrorMessage:     resp.ErrorMessage,
			RetryAfterMillis: resp.RetryAfterMillis,
		})
		if err != nil {
			return nil, fmt.Errorf("transport: build processor response: %w", err)
		}
		return newEnvelope(source, TypeProcessorResponse, data), nil

	case model.KindCriterion:
		data, err := structToStruct(&workflowv1.EntityCriteriaCalculationResponseData{
			RequestId:        resp.RequestID,
			Success:          resp.Success,
			Matches:          resp.Matches,
			ErrorKind:        string(resp.ErrorKind),
			ErrorMessage:     resp.ErrorMessage,
			RetryAfterMillis: resp.RetryAfterMillis,
		})
		if err != nil {
			return nil, fmt.Errorf("transport: build criteria response: %w", err)
		}
		return newEnvelope(source, TypeCriteriaResponse, data), nil

	default:
		return nil, fmt.Errorf("transport: unknown handler kind %v", resp.Kind)
	}
}

func deadlineHint(millis *int64) *time.Duration {
	if millis == nil {
		return nil
	}
	d := time.Duration(*millis) * time.Millisecond
	return &d
}

func handlerKindToWire(k model.HandlerKind) workflowv1.HandlerDescriptor_Kind {
	switch k {
	case model.KindProcessor:
		return workflowv1.HandlerDescriptor_KIND_PROCESSOR
	case model.KindCriterion:
		return workflowv1.HandlerDescriptor_KIND_CRITERION
	default:
		return workflowv1.HandlerDescriptor_KIND_UNSPECIFIED
	}
}

func newEnvelope(source, typ string, data *structpb.Struct) *workflowv1.Envelope {
	return &workflowv1.Envelope{
		Id:     uuid.NewString(),
		Source: source,
		Type:   typ,
		Data:   data,
	}
}

// structToStruct round-trips a generated *Data message through protojson so
// it can be carried as a google.protobuf.Struct in the Envelope, without the
// core needing a generated field-by-field Go type per payload kind.
func structToStruct(msg proto.Message) (*structpb.Struct, error) {
	b, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// structFromStruct is the inverse of structToStruct.
func structFromStruct(s *structpb.Struct, out proto.Message) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return protojson.Unmarshal(b, out)
}
