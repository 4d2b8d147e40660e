package fileops

import (
	"context"
	"errors"
	"io/fs"
	"strings"

	"github.com/wide-ide/wide/internal/events"
	"github.com/wide-ide/wide/internal/protocol"
)

func (d *Dispatcher) list(ctx context.Context, c *call) Result {
	if c.req.Folder == "" {
		return Failure(KindBadRequest, MsgParamsMissing)
	}
	dir, err := d.resolve(c.root, c.req.Folder, plainTarget)
	if err != nil {
		return Failure(KindBadRequest, MsgInvalidFolder)
	}

	info, err := d.backend.Stat(ctx, dir)
	if err != nil || !info.IsDir() {
		return Failure(KindNotFound, MsgFolderNotExist)
	}
	entries, err := d.backend.ReadDir(ctx, dir)
	if err != nil {
		return Failure(KindForbidden, MsgListFailed).WithDebug(dir.Rel())
	}

	files := make([]protocol.FileEntry, 0, len(entries))
	for _, entry := range entries {
		fi, err := d.backend.StatChild(ctx, dir, entry)
		if err != nil {
			// removed between ReadDir and stat
			continue
		}
		files = append(files, protocol.FileEntry{
			Name:     entry.Name(),
			IsDir:    fi.IsDir(),
			MimeType: contentType(entry.Name()),
			Size:     fi.Size(),
		})
	}

	return Success(MsgFileList, protocol.ListPayload{
		Project: c.project.Name,
		Folder:  c.req.Folder + "/",
		Files:   files,
	})
}

func (d *Dispatcher) mkdir(ctx context.Context, c *call) Result {
	if c.req.Folder == "" {
		return Failure(KindBadRequest, MsgParamsMissing)
	}
	dir, err := d.resolve(c.root, c.req.Folder, plainTarget)
	if err != nil {
		return Failure(KindBadRequest, MsgInvalidFolderName)
	}

	if err := d.backend.Mkdir(ctx, dir); err != nil {
		return Failure(KindForbidden, MsgMkdirFailed).WithDebug(dir.Rel())
	}
	d.publish(c, events.EventMkdir, dir.Rel(), "")

	return Success(MsgFolderCreated, protocol.FolderPayload{Folder: dir.Rel()})
}

// autocomplete lists the names in the parent folder of filename that
// contain its last segment.
func (d *Dispatcher) autocomplete(ctx context.Context, c *call) Result {
	if c.req.Filename == "" {
		return Failure(KindBadRequest, MsgParamsMissing)
	}
	if _, err := d.resolve(c.root, c.req.Filename, optionalTarget); err != nil {
		return Failure(KindBadRequest, MsgInvalidFilename)
	}

	parent, prefix := "", c.req.Filename
	if i := strings.LastIndex(c.req.Filename, "/"); i >= 0 {
		parent, prefix = c.req.Filename[:i], c.req.Filename[i+1:]
	}
	dir, err := d.resolve(c.root, parent, optionalTarget)
	if err != nil {
		return Failure(KindBadRequest, MsgInvalidFilename)
	}

	entries, err := d.backend.ReadDir(ctx, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Failure(KindNotFound, MsgFolderNotExist)
	}
	if err != nil {
		return Failure(KindForbidden, MsgListFailed).WithDebug(dir.Rel())
	}

	matches := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry.Name(), prefix) {
			matches = append(matches, entry.Name())
		}
	}
	return Success(MsgFileAutocompleted, protocol.DataPayload{Data: matches})
}

func (d *Dispatcher) project(_ context.Context, c *call) Result {
	return Success(MsgProjectInfo, protocol.DataPayload{Data: c.project})
}
