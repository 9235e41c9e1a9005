package domain

import (
	"github.com/asynkron/protoactor-go/actor"
)

type ActorRef actor.PID

type ActorRequestMixIn struct {
	ReplyToRef *ActorRef
}

type ActorRequest interface {
	ReplyTo() *ActorRef
}

func (r ActorRequestMixIn) ReplyTo() *ActorRef {
	return r.ReplyToRef
}

type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}

// Envelope carries a payload between nodes. FromHandle is the sender's
// command-tree handle at send time and is what device nodes check authority against.
type Envelope struct {
	Src        string
	Dst        string
	FromHandle string
	Payload    Payload
}

func NewEnvelope(src, dst, fromHandle string, payload Payload) Envelope {
	return Envelope{
		Src:        src,
		Dst:        dst,
		FromHandle: fromHandle,
		Payload:    payload,
	}
}
