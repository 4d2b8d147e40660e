// Package fileops dispatches editor file actions against a project tree.
//
// Every request is authenticated by its project key, every client path is
// resolved through the sandbox before the storage backend is touched, and
// every outcome, success or failure, is returned as a single Result.
package fileops

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/events"
	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/metrics"
	"github.com/wide-ide/wide/internal/protocol"
	"github.com/wide-ide/wide/internal/registry"
	"github.com/wide-ide/wide/internal/sandbox"
	"github.com/wide-ide/wide/internal/storage"
)

// Failure messages.
const (
	MsgActionMissing     = "action missing"
	MsgUnknownAction     = "unknown action"
	MsgKeyMissing        = "key missing"
	MsgWrongKey          = "wrong key"
	MsgFolderMissing     = "folder missing from project config"
	MsgParamsMissing     = "params missing"
	MsgInvalidFilename   = "invalid filename"
	MsgInvalidFolder     = "invalid folder"
	MsgInvalidFolderName = "invalid folder name"
	MsgFolderNotExist    = "folder doesn't exist"
	MsgFileNotFound      = "file not found"
	MsgLoadProtected     = "cannot load serverside files"
	MsgSaveProtected     = "cannot save serverside files"
	MsgSaveFailed        = "cannot save file, not allowed"
	MsgMkdirFailed       = "cannot create folder, not allowed"
	MsgMoveProtected     = "cannot move this extensions"
	MsgMoveFailed        = "cannot move file, not allowed"
	MsgDeleteProtected   = "cannot delete serverside files"
	MsgDeleteFailed      = "cannot delete file, not allowed"
	MsgListFailed        = "cannot read folder, not allowed"
	MsgTooManyRequests   = "too many requests"
)

// Success messages.
const (
	MsgFileSaved         = "file saved"
	MsgFileList          = "file list"
	MsgFolderCreated     = "folder created"
	MsgFileMoved         = "file moved"
	MsgFileDeleted       = "file deleted"
	MsgFileAutocompleted = "file autocompleted"
	MsgProjectInfo       = "project info"
)

// Request is one decoded client request.
type Request = protocol.ActionRequest

// Publisher receives change events for successful mutations.
type Publisher interface {
	Publish(topic string, event events.Event)
}

// Config holds dispatcher settings.
type Config struct {
	// BasePath anchors relative project folders.
	BasePath string
	Policy   sandbox.Policy
}

// Dispatcher executes actions. It is safe for concurrent use.
type Dispatcher struct {
	registry  *registry.Registry
	backend   storage.Backend
	publisher Publisher
	basePath  string
	policy    sandbox.Policy
	handlers  map[Action]handlerFunc
}

// call is the per-request state handed to a handler after the prologue.
type call struct {
	req     Request
	project *registry.Project
	root    string
	topic   string
}

type handlerFunc func(ctx context.Context, c *call) Result

// New creates a dispatcher. publisher may be nil.
func New(reg *registry.Registry, backend storage.Backend, publisher Publisher, cfg Config) *Dispatcher {
	d := &Dispatcher{
		registry:  reg,
		backend:   backend,
		publisher: publisher,
		basePath:  cfg.BasePath,
		policy:    cfg.Policy,
	}
	d.handlers = map[Action]handlerFunc{
		ActionLoad:         d.load,
		ActionSave:         d.save,
		ActionList:         d.list,
		ActionMkdir:        d.mkdir,
		ActionMove:         d.move,
		ActionDelete:       d.delete,
		ActionAutocomplete: d.autocomplete,
		ActionProject:      d.project,
	}
	return d
}

// Dispatch runs one request and returns its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	start := time.Now()
	res := d.dispatch(ctx, req)
	elapsed := time.Since(start)

	label := req.Action
	if _, err := ParseAction(label); err != nil {
		label = "invalid"
	}
	metrics.RecordFileAction(label, res.OK(), elapsed)

	log := logging.WithContext(ctx)
	if res.OK() {
		log.Debug("Action completed",
			zap.String("action", label),
			zap.Duration("duration", elapsed),
		)
	} else {
		log.Info("Action rejected",
			zap.String("action", label),
			zap.String("kind", res.Kind.String()),
			zap.String("msg", res.Message),
			zap.String("debug", res.Debug),
		)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Result {
	if req.Action == "" {
		return Failure(KindBadRequest, MsgActionMissing)
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		return Failure(KindBadRequest, MsgUnknownAction)
	}
	if req.Key == "" {
		return Failure(KindUnauthorized, MsgKeyMissing)
	}
	project, err := d.registry.Lookup(req.Key)
	if err != nil {
		return Failure(KindUnauthorized, MsgWrongKey)
	}
	root, err := project.Root(d.basePath)
	if err != nil {
		if !errors.Is(err, registry.ErrNoFolder) {
			logging.WithContext(ctx).Error("Failed to resolve project root",
				zap.String("project", project.Name), zap.Error(err))
		}
		return Failure(KindMisconfigured, MsgFolderMissing)
	}

	handler, ok := d.handlers[action]
	if !ok {
		return Failure(KindBadRequest, MsgUnknownAction)
	}
	return handler(ctx, &call{
		req:     req,
		project: project,
		root:    root,
		topic:   d.registry.StoredKey(req.Key),
	})
}

// resolve runs a client path through the sandbox and counts rejections.
func (d *Dispatcher) resolve(root, candidate string, rule sandbox.Rule) (sandbox.Path, error) {
	p, err := sandbox.Resolve(root, candidate, d.policy, rule)
	if err != nil {
		metrics.RecordSandboxRejection(sandbox.Reason(err))
	}
	return p, err
}

func (d *Dispatcher) publish(c *call, eventType string, path, newPath string) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(c.topic, events.Event{
		Type:    eventType,
		Project: c.project.Name,
		Path:    path,
		NewPath: newPath,
	})
}

var (
	// file targets that must not carry a protected extension
	guardedTarget = sandbox.Rule{RequireTarget: true, CheckExtension: true}
	// folder targets
	plainTarget = sandbox.Rule{RequireTarget: true}
	// the empty path means the project root
	optionalTarget = sandbox.Rule{}
)
