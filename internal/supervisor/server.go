// Package supervisor exposes the human-override surface over HTTP. It is the
// only way to pause, resume, stop, or coach a running worker from outside the
// process; everything it does goes through the same control block the loop
// polls, so no handler ever touches loop state directly.
package supervisor

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/NoEdgeAI/iphoneclaw/internal/agent"
	"github.com/NoEdgeAI/iphoneclaw/internal/config"
	"github.com/NoEdgeAI/iphoneclaw/internal/conversation"
)

// Server is the supervisor HTTP server.
type Server struct {
	cfg      config.SupervisorConfig
	control  *agent.WorkerControl
	conv     *conversation.Store
	activity *agent.ActivitySignal
	logger   *zap.Logger
	app      *fiber.App
}

// New assembles the server and its routes. activity may be nil when human
// input notifications are disabled; the /activity route is then absent.
func New(cfg config.SupervisorConfig, control *agent.WorkerControl, conv *conversation.Store, activity *agent.ActivitySignal, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		control:  control,
		conv:     conv,
		activity: activity,
		logger:   logger.Named("supervisor"),
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "iphoneclaw-supervisor",
		}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	if s.cfg.Token != "" {
		s.app.Use(s.requireToken)
	}

	s.app.Get("/status", s.handleStatus)
	s.app.Post("/pause", s.handlePause)
	s.app.Post("/resume", s.handleResume)
	s.app.Post("/stop", s.handleStop)
	s.app.Post("/inject", s.handleInject)
	if s.activity != nil {
		s.app.Post("/activity", s.handleActivity)
	}
	s.app.Get("/context", s.handleContext)
	s.app.Post("/context/clear", s.handleContextClear)
	s.app.Post("/context/trim", s.handleContextTrim)
}

// Listen blocks serving the API until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("supervisor listening", zap.String("addr", s.cfg.Listen))
	return s.app.Listen(s.cfg.Listen)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app so tests can drive requests in-memory.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) requireToken(c *fiber.Ctx) error {
	auth := c.Get(fiber.HeaderAuthorization)
	if auth == "" || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Token {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.control.Snapshot())
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	s.control.Pause()
	s.logger.Info("pause requested")
	return c.JSON(s.control.Snapshot())
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	s.control.Resume()
	s.logger.Info("resume requested")
	return c.JSON(s.control.Snapshot())
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	s.control.Stop()
	s.logger.Info("stop requested")
	return c.JSON(s.control.Snapshot())
}

type injectRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleInject(c *fiber.Ctx) error {
	var req injectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
	}
	s.control.Inject(req.Text)
	s.logger.Info("guidance injected", zap.Int("bytes", len(req.Text)))
	return c.JSON(s.control.Snapshot())
}

// handleActivity marks external human input; the activity monitor reacts by
// parking the worker until the input goes idle.
func (s *Server) handleActivity(c *fiber.Ctx) error {
	s.activity.MarkActive()
	s.logger.Debug("human input reported")
	return c.JSON(s.control.Snapshot())
}

func (s *Server) handleContext(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"items": s.conv.Snapshot()})
}

type clearRequest struct {
	KeepSystem bool `json:"keep_system"`
}

func (s *Server) handleContextClear(c *fiber.Ctx) error {
	var req clearRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	removed := s.conv.Clear(req.KeepSystem)
	s.logger.Info("context cleared", zap.Int("removed", removed), zap.Bool("keep_system", req.KeepSystem))
	return c.JSON(fiber.Map{"removed": removed})
}

type trimRequest struct {
	Rounds int `json:"rounds"`
}

func (s *Server) handleContextTrim(c *fiber.Ctx) error {
	var req trimRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if req.Rounds <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "rounds must be positive"})
	}
	removed := s.conv.TrimTailRounds(req.Rounds)
	s.logger.Info("context trimmed", zap.Int("rounds", req.Rounds), zap.Int("removed", removed))
	return c.JSON(fiber.Map{"removed": removed})
}
