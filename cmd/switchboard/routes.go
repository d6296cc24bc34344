package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
	"github.com/switchboard-gw/switchboard/internal/router"
)

// registerRoutes installs the built-in route table. The same handlers
// stay registered across protocol switches: HTTP verbs serve the REST
// surface, the session handler serves WebSocket and TCP frames, and
// the echo handlers cover gRPC and UDP.
func registerRoutes(r *router.Router, registry *broker.Registry) error {
	if _, err := r.GET("/ping", pingHandler); err != nil {
		return err
	}
	if _, err := r.POST("/echo", echoHandler); err != nil {
		return err
	}
	if _, err := r.GET("/topics/:topic", topicInfoHandler(registry)); err != nil {
		return err
	}
	if _, err := r.POST("/topics/:topic/publish", publishHandler(registry)); err != nil {
		return err
	}

	session := sessionHandler(registry)
	if err := r.WS("/ws", router.WSHooks{
		Open:    acceptHandler,
		Message: session,
	}); err != nil {
		return err
	}

	if _, err := r.GRPC("/switchboard.v1.Switchboard/Echo", echoHandler); err != nil {
		return err
	}
	if _, err := r.GRPCStream("/switchboard.v1.Switchboard/Chat", echoHandler); err != nil {
		return err
	}

	if _, err := r.TCP("/", session); err != nil {
		return err
	}
	if _, err := r.UDP("/", datagramHandler(registry)); err != nil {
		return err
	}

	return nil
}

func pingHandler(req *message.Request) (*message.Response, error) {
	resp := message.NewResponse()
	resp.WriteString("pong")
	return resp, nil
}

// echoHandler returns the request body unchanged. It serves HTTP
// POST, gRPC unary, and gRPC stream messages alike.
func echoHandler(req *message.Request) (*message.Response, error) {
	resp := message.NewResponse()
	if ct := req.Header.Get("Content-Type"); ct != "" {
		resp.Header.Set("Content-Type", ct)
	}
	_, _ = resp.Write(req.Body)
	return resp, nil
}

// acceptHandler admits every WebSocket handshake.
func acceptHandler(req *message.Request) (*message.Response, error) {
	resp := message.NewResponse()
	resp.Upgrade = true
	return resp, nil
}

func topicInfoHandler(registry *broker.Registry) pipeline.Handler {
	return func(req *message.Request) (*message.Response, error) {
		topic := req.Params["topic"]
		resp := message.NewResponse()
		if err := resp.JSON(http.StatusOK, map[string]any{
			"topic":       topic,
			"subscribers": registry.TopicSubscribers(topic),
		}); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func publishHandler(registry *broker.Registry) pipeline.Handler {
	return func(req *message.Request) (*message.Response, error) {
		topic := req.Params["topic"]
		delivered := registry.Publish(req.Context(), topic, req.Body)
		resp := message.NewResponse()
		if err := resp.JSON(http.StatusOK, map[string]any{
			"topic":     topic,
			"delivered": delivered,
		}); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// sessionHandler interprets frames from long-lived connections as a
// small line protocol: subscribe/unsubscribe/publish manage topics
// through the registry, anything else echoes back.
func sessionHandler(registry *broker.Registry) pipeline.Handler {
	return func(req *message.Request) (*message.Response, error) {
		resp := message.NewResponse()

		verb, rest := splitCommand(string(req.Body))
		switch verb {
		case "subscribe":
			topic, _ := splitCommand(rest)
			if topic == "" {
				resp.WriteString("error: subscribe needs a topic")
				return resp, nil
			}
			if err := registry.Subscribe(req.ConnectionID, topic); err != nil {
				return nil, err
			}
			resp.WriteString("subscribed " + topic)

		case "unsubscribe":
			topic, _ := splitCommand(rest)
			if topic == "" {
				resp.WriteString("error: unsubscribe needs a topic")
				return resp, nil
			}
			registry.Unsubscribe(req.ConnectionID, topic)
			resp.WriteString("unsubscribed " + topic)

		case "publish":
			topic, payload := splitCommand(rest)
			if topic == "" {
				resp.WriteString("error: publish needs a topic")
				return resp, nil
			}
			delivered := registry.Publish(req.Context(), topic, []byte(payload))
			resp.WriteString(fmt.Sprintf("published %s %d", topic, delivered))

		default:
			_, _ = resp.Write(req.Body)
		}

		return resp, nil
	}
}

// datagramHandler serves UDP: publish commands fan out through the
// registry, anything else echoes. Datagrams cannot subscribe; there
// is no connection to deliver to.
func datagramHandler(registry *broker.Registry) pipeline.Handler {
	return func(req *message.Request) (*message.Response, error) {
		verb, rest := splitCommand(string(req.Body))
		if verb == "publish" {
			topic, payload := splitCommand(rest)
			resp := message.NewResponse()
			if topic == "" {
				resp.WriteString("error: publish needs a topic")
				return resp, nil
			}
			delivered := registry.Publish(req.Context(), topic, []byte(payload))
			resp.WriteString(fmt.Sprintf("published %s %d", topic, delivered))
			return resp, nil
		}
		return echoHandler(req)
	}
}

// splitCommand splits one leading word off a frame.
func splitCommand(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}
