package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/labscale/pkg/link"
	"github.com/fako1024/labscale/pkg/scale"
	"github.com/fako1024/labscale/pkg/sics"
	"github.com/fako1024/labscale/pkg/stream"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/valyala/fasthttp"
)

// API denotes a REST API for a balance
type API struct {
	balance scale.Balance
	router  *fiber.App

	sessionOptions []func(*stream.Session)
	sessionsMu     sync.Mutex
	sessions       map[string]*stream.Session

	logger scale.Logger
}

type statusResponse struct {
	State       scale.State `json:"state"`
	Host        string      `json:"host,omitempty"`
	Port        int         `json:"port,omitempty"`
	Device      string      `json:"device,omitempty"`
	Error       string      `json:"error,omitempty"`
	RoundTripMs float64     `json:"round_trip_ms,omitempty"`
	ManualEntry bool        `json:"manual_entry"`
}

type readingResponse struct {
	TimeStamp time.Time  `json:"timestamp"`
	Value     float64    `json:"value"`
	Unit      scale.Unit `json:"unit"`
	Stable    bool       `json:"stable"`
	Raw       string     `json:"raw"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Fault       string `json:"fault,omitempty"`
	ManualEntry bool   `json:"manual_entry"`
}

// WithLogger sets the logger
func WithLogger(logger scale.Logger) func(*API) {
	return func(api *API) {
		api.logger = logger
	}
}

// WithSessionOptions sets the options applied to each weight stream
func WithSessionOptions(options ...func(*stream.Session)) func(*API) {
	return func(api *API) {
		api.sessionOptions = append(api.sessionOptions, options...)
	}
}

// New instantiates a new API
func New(b scale.Balance, options ...func(*API)) *API {

	api := API{
		balance: b,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		sessions: make(map[string]*stream.Session),
		logger:   &scale.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(&api)
	}

	// Setup routes
	api.router.Use(recover.New())
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/weight", api.handleWeight())
	api.router.Get("/stream", api.handleStream())

	return &api
}

// Listen serves the API on the given endpoint until Shutdown() is called
func (api *API) Listen(endpoint string) error {
	api.logger.Infof("serving API on %s", endpoint)
	return api.router.Listen(endpoint)
}

// Shutdown terminates all weight streams and stops serving
func (api *API) Shutdown() error {
	api.sessionsMu.Lock()
	sessions := make([]*stream.Session, 0, len(api.sessions))
	for _, s := range api.sessions {
		sessions = append(sessions, s)
	}
	api.sessionsMu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}

	return api.router.Shutdown()
}

// Sessions returns the number of active weight streams
func (api *API) Sessions() int {
	api.sessionsMu.Lock()
	defer api.sessionsMu.Unlock()

	return len(api.sessions)
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		status := api.balance.Status()

		resp := statusResponse{
			State:       status.State,
			Host:        status.Host,
			Port:        status.Port,
			Device:      status.Device,
			RoundTripMs: float64(status.RoundTrip) / float64(time.Millisecond),
			ManualEntry: status.ManualEntry(),
		}
		if status.Error != nil {
			resp.Error = status.Error.Error()
		}

		return c.JSON(resp)
	}
}

func (api *API) handleWeight() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		reading, err := api.balance.ReadOnce(c.UserContext())
		if err != nil {
			code, resp := errorStatus(err)
			return c.Status(code).JSON(resp)
		}

		return c.JSON(readingResponse{
			TimeStamp: reading.TimeStamp,
			Value:     reading.Weight,
			Unit:      reading.Unit,
			Stable:    reading.Stable,
			Raw:       reading.Raw,
		})
	}
}

func (api *API) handleStream() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {

		limit := c.QueryInt("limit", 0)
		if limit < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(errorResponse{
				Error:       fmt.Sprintf("invalid limit %d", limit),
				ManualEntry: api.balance.Status().ManualEntry(),
			})
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		session := stream.Open(context.Background(), api.balance, api.sessionOptions...)
		api.track(session)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer api.untrack(session)
			defer session.Close()

			fmt.Fprintf(w, ": session %s\n\n", session.ID())
			if err := w.Flush(); err != nil {
				return
			}

			var n int
			for ev := range session.Events() {

				// Drop events obtained after the limit was reached, except for the final one
				if limit > 0 && n >= limit && ev.Type != stream.EventStopped {
					continue
				}

				data, err := ev.JSON()
				if err != nil {
					api.logger.Errorf("failed to encode event of stream %s: %s", session.ID(), err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)

				// A failing flush means the client has gone away
				if err := w.Flush(); err != nil {
					api.logger.Debugf("client of stream %s disconnected: %s", session.ID(), err)
					return
				}

				if n++; limit > 0 && n == limit {
					session.Stop()
				}
			}
		}))

		return nil
	}
}

func (api *API) track(s *stream.Session) {
	api.sessionsMu.Lock()
	api.sessions[s.ID()] = s
	api.sessionsMu.Unlock()

	api.logger.Debugf("opened stream %s", s.ID())
}

func (api *API) untrack(s *stream.Session) {
	api.sessionsMu.Lock()
	delete(api.sessions, s.ID())
	api.sessionsMu.Unlock()

	api.logger.Debugf("closed stream %s", s.ID())
}

func errorStatus(err error) (int, errorResponse) {
	resp := errorResponse{
		Error: err.Error(),
	}

	var faultErr *sics.FaultError
	switch {
	case errors.Is(err, link.ErrTimeout):
		resp.ManualEntry = true
		return fiber.StatusGatewayTimeout, resp
	case link.IsConnectionError(err):
		resp.ManualEntry = true
		return fiber.StatusServiceUnavailable, resp
	case errors.As(err, &faultErr):
		resp.Fault = string([]byte{byte(faultErr.Code)})
		return fiber.StatusBadGateway, resp
	case errors.Is(err, sics.ErrMalformed), errors.Is(err, sics.ErrTransmission):
		return fiber.StatusBadGateway, resp
	}

	return fiber.StatusInternalServerError, resp
}
