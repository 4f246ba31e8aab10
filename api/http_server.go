package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/http2"

	"github.com/danthegoodman1/EventHerd/gologger"
	"github.com/danthegoodman1/EventHerd/gossip"
	"github.com/danthegoodman1/EventHerd/host"
	"github.com/danthegoodman1/EventHerd/leases"
)

var (
	logger = gologger.NewLogger()
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func ValidateRequest(c echo.Context, s interface{}) error {
	if err := c.Bind(s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(s); err != nil {
		return err
	}
	return nil
}

type HTTPServer struct {
	e      *echo.Echo
	host   *host.Host
	leaser leases.Leaser
	gm     *gossip.Manager
}

// StartServer runs the ops surface: health, lease and pump inspection, fleet
// view, and forced release. gm may be nil when gossip is disabled.
func StartServer(port string, h *host.Host, leaser leases.Leaser, gm *gossip.Manager) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return nil, fmt.Errorf("error in net.Listen: %w", err)
	}
	e := echo.New()
	s := &HTTPServer{
		e:      e,
		host:   h,
		leaser: leaser,
		gm:     gm,
	}
	e.HideBanner = true
	e.HidePort = true
	logConfig := middleware.LoggerConfig{
		Format: `{"time":"${time_rfc3339_nano}","id":"${id}","remote_ip":"${remote_ip}",` +
			`"host":"${host}","method":"${method}","uri":"${uri}","user_agent":"${user_agent}",` +
			`"status":${status},"error":"${error}","latency":${latency},"latency_human":"${latency_human}",` +
			`"bytes_in":${bytes_in},"bytes_out":${bytes_out},"proto":"${protocol}"}` + "\n",
		CustomTimeFormat: "2006-01-02 15:04:05.00000",
		Output:           os.Stdout,
	}
	e.Use(middleware.LoggerWithConfig(logConfig))
	e.Use(middleware.CORS())
	e.Use(middleware.Gzip())
	e.Use(NewTimeoutMiddleware(30 * time.Second))
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Listener = listener
	go func() {
		logger.Info().Msg("starting h2c server on " + listener.Addr().String())
		err := e.StartH2CServer("", &http2.Server{})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start h2c server, exiting")
		}
	}()

	e.GET("/up", Up)
	e.GET("/leases", s.listLeases)
	e.GET("/pumps", s.listPumps)
	e.GET("/fleet", s.fleetView)
	e.POST("/partitions/release", s.releasePartition)

	return s, nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	logger.Info().Msg("shutting down api server")
	return s.e.Shutdown(ctx)
}

func NewTimeoutMiddleware(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancelFunc := context.WithTimeout(c.Request().Context(), timeout)
			defer cancelFunc()
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func Up(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
