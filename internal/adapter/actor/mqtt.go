package actor

import (
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/config"
	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/runtime"
	"github.com/spaceheat/scada/internal/mqtt"
	"github.com/spaceheat/scada/internal/util/actorutil"
)

// MQTTActor is the link to the broker shared with the market agent and the
// picos. Outbound envelopes are published at most once on base/src/type-name;
// inbound envelopes addressed to a local node (or to this scada) are handed
// to the router.
type MQTTActor struct {
	config   *config.Config
	behavior actor.Behavior
	stash    *actorutil.Stash
	client   *mqtt.MQTTClient
	router   *runtime.Router
	stream   *eventstream.EventStream
	sub      *eventstream.Subscription
	logger   *zap.Logger

	// dummy actor only
	sink chan<- domain.Envelope
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type publishResult struct {
	ReplyTo *actor.PID
	Error   error
}

type inboundEnvelope struct {
	envelope domain.Envelope
}

func NewMQTTActor(config *config.Config, router *runtime.Router, stream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		router:   router,
		stream:   stream,
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")

		root := ctx.ActorSystem().Root
		self := ctx.Self()
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			root.Send(self, MQTTConnectionLost{Error: err})
		})

		state.client.Connect(func(err error) {
			if err != nil {
				root.Send(self, MQTTConnectionLost{Error: err})
			} else {
				root.Send(self, MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

		root := ctx.ActorSystem().Root
		self := ctx.Self()
		state.client.SubscribeToEnvelopes(func(c pahomqtt.Client, m pahomqtt.Message) {
			env, ok := state.decode(m)
			if ok {
				root.Send(self, inboundEnvelope{envelope: env})
			}
		}, func(err error) {
			if err != nil {
				root.Send(self, MQTTConnectionLost{Error: err})
			} else {
				root.Send(self, MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		state.logger.Debug("mqtt@starting subscribed")
		state.forwardReadings(ctx)
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case inboundEnvelope:
		if err := state.router.Deliver(ctx, msg.envelope); err != nil {
			state.logger.Warn("mqtt@default inbound dropped", zap.Error(err))
		}
	case domain.PublishEnvelopeRequest:
		state.publishEnvelope(ctx, msg.Envelope, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.SingleReading:
		state.publishEnvelope(ctx, domain.NewEnvelope(state.config.MQTT.ScadaAlias, domain.NODE_ATN, "", msg), nil)
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// decode keeps envelopes for local nodes and drops the echo of our own publishes.
func (state *MQTTActor) decode(m pahomqtt.Message) (domain.Envelope, bool) {
	src, typeName, err := state.client.ParseEnvelopeTopic(m.Topic())
	if err != nil {
		return domain.Envelope{}, false
	}
	if src == state.config.MQTT.ScadaAlias || state.router.IsLocal(src) {
		return domain.Envelope{}, false
	}
	env, err := domain.DecodeEnvelope(m.Payload())
	if err != nil {
		state.logger.Warn("mqtt@default undecodable envelope", zap.String("topic", m.Topic()), zap.String("type", typeName), zap.Error(err))
		return domain.Envelope{}, false
	}
	if env.Dst != state.config.MQTT.ScadaAlias && !state.router.IsLocal(env.Dst) {
		return domain.Envelope{}, false
	}
	return env, true
}

// forwardReadings publishes every telemetry bus reading to the market agent.
func (state *MQTTActor) forwardReadings(ctx actor.Context) {
	if state.stream == nil {
		return
	}
	root := ctx.ActorSystem().Root
	self := ctx.Self()
	state.sub = state.stream.Subscribe(func(evt any) {
		if r, ok := evt.(domain.SingleReading); ok {
			root.Send(self, r)
		}
	})
}

func (state *MQTTActor) publishEnvelope(ctx actor.Context, env domain.Envelope, replyTo *actor.PID) {
	body, err := domain.EncodeEnvelope(env, time.Now().UnixMilli())
	if err != nil {
		state.logger.Error("mqtt@default could not encode envelope", zap.String("type", env.Payload.TypeName()), zap.Error(err))
		if replyTo != nil {
			ctx.Send(replyTo, domain.PublishEnvelopeResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}})
		}
		return
	}
	topic := state.client.EnvelopeTopic(env.Src, env.Payload.TypeName())
	state.logger.Sugar().Debugf("mqtt@publish: envelope publish %s => %s", topic, env.Dst)
	root := ctx.ActorSystem().Root
	self := ctx.Self()
	state.client.Publish(topic, body, 0, false, func(err error) {
		root.Send(self, publishResult{ReplyTo: replyTo, Error: err})
	}, 5*time.Second)
	state.behavior.BecomeStacked(state.PublishResultReceive)
}

func (state *MQTTActor) PublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		// log error and return to default state
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
		}
		if msg.ReplyTo != nil {
			ctx.Send(msg.ReplyTo, domain.PublishEnvelopeResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: msg.Error,
				},
			})
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	case MQTTConnectionLost:
		state.logger.Error("mqtt@publishing connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) stop() {
	state.logger.Debug("mqtt: disconnect")
	if state.sub != nil {
		state.stream.Unsubscribe(state.sub)
		state.sub = nil
	}
	if state.client != nil {
		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
	}
}

// Dummy actor: never connects, hands published envelopes to sink.
func NewTestMQTTActor(config *config.Config, router *runtime.Router, sink chan<- domain.Envelope, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		router:   router,
		sink:     sink,
		logger:   actorutil.ActorLogger("mqtt", logger),
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

// Deliver injects an envelope as if it had arrived from the broker.
type Deliver struct {
	Envelope domain.Envelope
}

func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@dummy ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case Deliver:
		if err := state.router.Deliver(ctx, msg.Envelope); err != nil {
			state.logger.Warn("mqtt@dummy inbound dropped", zap.Error(err))
		}
	case domain.PublishEnvelopeRequest:
		if state.sink != nil {
			select {
			case state.sink <- msg.Envelope:
			default:
				state.logger.Warn("mqtt@dummy sink full", zap.String("type", msg.Envelope.Payload.TypeName()))
			}
		}
		if msg.ReplyToRef != nil {
			ctx.Respond(domain.PublishEnvelopeResponse{})
		}
	}
}
