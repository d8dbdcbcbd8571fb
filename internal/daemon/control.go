package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/planner"
	"github.com/msageha/dronebatch/internal/uds"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

// Control socket commands.
const (
	CmdPing        = "ping"
	CmdStatus      = "status"
	CmdScan        = "scan"
	CmdSubmit      = "submit"
	CmdResult      = "result"
	CmdReloadRules = "reload_rules"
	CmdShutdown    = "shutdown"
)

type PingResponse struct {
	PID int `json:"pid"`
}

type StatusResponse struct {
	PID          int                `json:"pid"`
	Root         string             `json:"root"`
	RulesVersion string             `json:"rules_version"`
	Rules        int                `json:"rules"`
	Pending      int                `json:"pending"`
	Spool        Stats              `json:"spool"`
	PlanCache    planner.CacheStats `json:"plan_cache"`
}

type ScanResponse struct {
	Started int `json:"started"`
}

type SubmitResponse struct {
	BatchID string `json:"batch_id"`
	File    string `json:"file"`
}

type ResultParams struct {
	BatchID string `json:"batch_id"`
}

type ReloadResponse struct {
	Version string `json:"version"`
	Rules   int    `json:"rules"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(CmdPing, d.handlePing)
	d.server.Handle(CmdStatus, d.handleStatus)
	d.server.Handle(CmdScan, d.handleScan)
	d.server.Handle(CmdSubmit, d.handleSubmit)
	d.server.Handle(CmdResult, d.handleResult)
	d.server.Handle(CmdReloadRules, d.handleReloadRules)
	d.server.Handle(CmdShutdown, d.handleShutdown)
}

func (d *Daemon) handlePing(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(PingResponse{PID: os.Getpid()})
}

func (d *Daemon) handleStatus(_ context.Context, _ *uds.Request) *uds.Response {
	table := d.rules.Current()
	return uds.SuccessResponse(StatusResponse{
		PID:          os.Getpid(),
		Root:         d.root,
		RulesVersion: table.Version(),
		Rules:        len(table.Rules()),
		Pending:      d.pending(),
		Spool:        d.spool.Stats(),
		PlanCache:    d.cache.Stats(),
	})
}

func (d *Daemon) handleScan(_ context.Context, _ *uds.Request) *uds.Response {
	if d.ctx.Err() != nil {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	return uds.SuccessResponse(ScanResponse{Started: d.spool.PeriodicScan()})
}

// handleSubmit validates and plans the batch up front so that the caller
// gets a synchronous error, then drops it into the inbox.
func (d *Daemon) handleSubmit(_ context.Context, req *uds.Request) *uds.Response {
	if d.ctx.Err() != nil {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	var file model.BatchRequestFile
	if err := req.DecodeParams(&file); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if file.BatchID == "" {
		id, err := model.GenerateID(model.IDTypeBatch)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		file.BatchID = id
	}
	if err := validateBatchID(file.BatchID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	// Serializes the duplicate checks and the inbox write per batch ID.
	d.submits.Lock(file.BatchID)
	defer d.submits.Unlock(file.BatchID)

	if _, err := os.Stat(ResultPath(d.root, file.BatchID)); err == nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("batch %s already has a result", file.BatchID))
	}

	cfg := file.Resolve(d.config.Execution)
	if _, err := d.spool.runner.Plan(file.Commands, cfg); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	file.SchemaVersion = yamlutil.CurrentSchemaVersion
	file.FileType = yamlutil.FileTypeBatchRequest
	name := file.BatchID + ".yaml"
	path := filepath.Join(d.root, InboxDir, name)
	if _, err := os.Stat(path); err == nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("batch %s is already queued", file.BatchID))
	}
	if err := yamlutil.AtomicWrite(path, file); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("write inbox: %v", err))
	}
	d.logger.Info("batch submitted", "batch_id", file.BatchID, "commands", len(file.Commands))
	d.spool.PeriodicScan()
	return uds.SuccessResponse(SubmitResponse{BatchID: file.BatchID, File: path})
}

func (d *Daemon) handleResult(_ context.Context, req *uds.Request) *uds.Response {
	var params ResultParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := validateBatchID(params.BatchID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	var out model.BatchResultFile
	err := yamlutil.LoadFile(ResultPath(d.root, params.BatchID), yamlutil.FileTypeBatchResult, &out)
	if errors.Is(err, fs.ErrNotExist) {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("no result for batch %s", params.BatchID))
	}
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleReloadRules(_ context.Context, _ *uds.Request) *uds.Response {
	if err := d.rules.Reload(); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	t := d.rules.Current()
	return uds.SuccessResponse(ReloadResponse{Version: t.Version(), Rules: len(t.Rules())})
}

func (d *Daemon) handleShutdown(_ context.Context, _ *uds.Request) *uds.Response {
	d.logger.Info("shutdown requested via control socket")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutting_down"})
}

func (d *Daemon) pending() int {
	entries, err := os.ReadDir(filepath.Join(d.root, InboxDir))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && isRequestFile(e.Name()) {
			n++
		}
	}
	return n
}

// Batch IDs name files, so they must stay inside their directory.
func validateBatchID(id string) error {
	if id == "" {
		return errors.New("batch_id is required")
	}
	if id == "." || id == ".." || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid batch_id %q", id)
	}
	return nil
}
