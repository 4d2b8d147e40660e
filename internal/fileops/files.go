package fileops

import (
	"context"
	"errors"
	"mime"
	"path"

	"github.com/wide-ide/wide/internal/events"
	"github.com/wide-ide/wide/internal/metrics"
	"github.com/wide-ide/wide/internal/protocol"
	"github.com/wide-ide/wide/internal/sandbox"
)

const defaultContentType = "application/octet-stream"

// contentType guesses a MIME type from the file extension. Unknown
// extensions yield "".
func contentType(name string) string {
	return mime.TypeByExtension(path.Ext(name))
}

func (d *Dispatcher) load(ctx context.Context, c *call) Result {
	p, err := d.resolve(c.root, c.req.Filename, guardedTarget)
	switch {
	case errors.Is(err, sandbox.ErrEmpty):
		return Failure(KindNotFound, MsgFileNotFound)
	case errors.Is(err, sandbox.ErrForbidden):
		return Failure(KindForbidden, MsgLoadProtected)
	case errors.Is(err, sandbox.ErrEscape):
		return Failure(KindForbidden, MsgInvalidFilename)
	case err != nil:
		return Failure(KindBadRequest, MsgInvalidFilename)
	}

	data, err := d.backend.ReadFile(ctx, p)
	if err != nil {
		return Failure(KindNotFound, MsgFileNotFound).WithDebug(p.Rel())
	}
	metrics.RecordContentLoaded(int64(len(data)))

	ct := contentType(p.Rel())
	if ct == "" {
		ct = defaultContentType
	}
	if data == nil {
		data = []byte{}
	}
	return Content(data, ct)
}

func (d *Dispatcher) save(ctx context.Context, c *call) Result {
	if c.req.Filename == "" || c.req.Content == nil {
		return Failure(KindBadRequest, MsgParamsMissing)
	}
	p, err := d.resolve(c.root, c.req.Filename, guardedTarget)
	if errors.Is(err, sandbox.ErrForbidden) {
		return Failure(KindForbidden, MsgSaveProtected)
	}
	if err != nil {
		return Failure(KindBadRequest, MsgInvalidFilename)
	}

	content := []byte(*c.req.Content)
	if err := d.backend.WriteFile(ctx, p, content); err != nil {
		return Failure(KindForbidden, MsgSaveFailed).WithDebug(p.Rel())
	}
	metrics.RecordContentSaved(int64(len(content)))
	d.publish(c, events.EventSave, p.Rel(), "")

	return Success(MsgFileSaved, protocol.FilenamePayload{Filename: p.Rel()})
}

func (d *Dispatcher) move(ctx context.Context, c *call) Result {
	if c.req.Filename == "" || c.req.NewFilename == "" {
		return Failure(KindBadRequest, MsgParamsMissing)
	}
	// Both paths are validated before either is reported as protected.
	from, errFrom := d.resolve(c.root, c.req.Filename, guardedTarget)
	to, errTo := d.resolve(c.root, c.req.NewFilename, guardedTarget)
	for _, err := range []error{errFrom, errTo} {
		if err != nil && !errors.Is(err, sandbox.ErrForbidden) {
			return Failure(KindBadRequest, MsgInvalidFilename)
		}
	}
	if errFrom != nil || errTo != nil {
		return Failure(KindForbidden, MsgMoveProtected)
	}
	if from.Rel() == "." || to.Rel() == "." {
		return Failure(KindBadRequest, MsgInvalidFilename)
	}

	if err := d.backend.Rename(ctx, from, to); err != nil {
		return Failure(KindForbidden, MsgMoveFailed).WithDebug(from.Rel())
	}
	d.publish(c, events.EventMove, from.Rel(), to.Rel())

	return Success(MsgFileMoved, protocol.FilenamePayload{Filename: to.Rel()})
}

func (d *Dispatcher) delete(ctx context.Context, c *call) Result {
	if c.req.Filename == "" {
		return Failure(KindBadRequest, MsgParamsMissing)
	}
	p, err := d.resolve(c.root, c.req.Filename, guardedTarget)
	if errors.Is(err, sandbox.ErrForbidden) {
		return Failure(KindForbidden, MsgDeleteProtected)
	}
	if err != nil {
		return Failure(KindBadRequest, MsgInvalidFilename)
	}

	if err := d.backend.Remove(ctx, p); err != nil {
		return Failure(KindForbidden, MsgDeleteFailed).WithDebug(p.Rel())
	}
	d.publish(c, events.EventDelete, p.Rel(), "")

	return Success(MsgFileDeleted, nil)
}
