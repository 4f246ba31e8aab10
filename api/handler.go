package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *HTTPServer) listLeases(c echo.Context) error {
	allLeases, err := s.leaser.GetLeases(c.Request().Context())
	if err != nil {
		return fmt.Errorf("error in GetLeases: %w", err)
	}
	return c.JSON(http.StatusOK, allLeases)
}

func (s *HTTPServer) listPumps(c echo.Context) error {
	pm := s.host.PartitionManager()
	if pm == nil {
		return c.String(http.StatusConflict, "host is not registered")
	}
	return c.JSON(http.StatusOK, pm.PumpStates())
}

func (s *HTTPServer) fleetView(c echo.Context) error {
	if s.gm == nil {
		return c.String(http.StatusNotFound, "gossip is not enabled")
	}
	return c.JSON(http.StatusOK, s.gm.FleetView())
}

type ReleaseReq struct {
	PartitionID string `json:"partitionId" validate:"required"`
}

// releasePartition force-stops the local pump for a partition and releases its
// lease so any host can take it on a later scan.
func (s *HTTPServer) releasePartition(c echo.Context) error {
	var reqBody ReleaseReq
	if err := ValidateRequest(c, &reqBody); err != nil {
		return err
	}
	pm := s.host.PartitionManager()
	if pm == nil {
		return c.String(http.StatusConflict, "host is not registered")
	}
	if err := pm.StopPump(c.Request().Context(), reqBody.PartitionID); err != nil {
		return c.String(http.StatusNotFound, err.Error())
	}
	return c.String(http.StatusOK, "ok")
}
