package engine

import (
	"errors"
	"io/fs"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/segget/internal/utils"
)

// CanResume reports whether starting info against fi (the existing target,
// nil when absent) is safe without renaming: nothing has been downloaded yet
// and the target is missing or empty.
func CanResume(info Snapshot, fi fs.FileInfo) bool {
	if info.Count != 0 {
		return false
	}
	return fi == nil || fi.Size() == 0
}

// resolveTarget picks the file the download writes to. A fresh download never
// overwrites existing data; it moves to the first free "name (n).ext".
func (e *Engine) resolveTarget(suggested string) error {
	target := e.info.Target()
	if target == "" {
		name := suggested
		if name == "" {
			name = utils.FileNameFromURL(e.info.URL())
		}
		base, ext := utils.SplitExt(utils.SanitizeFileName(name))
		created, err := e.dir.CreateAutoRenamed(base, ext)
		if err != nil {
			return err
		}
		e.info.setTarget(created)
		log.Debug().Str("op", "engine/resume").Str("target", created).Msg("Named target from source")
		return nil
	}

	fi, err := e.dir.Stat(target)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		fi = nil
	}
	snap := e.info.Snapshot()
	if CanResume(snap, fi) || snap.Count > 0 || snap.Multipart() {
		return nil
	}
	base, ext := utils.SplitExt(target)
	created, err := e.dir.CreateAutoRenamed(base, ext)
	if err != nil {
		return err
	}
	log.Info().Str("op", "engine/resume").Str("requested", target).Str("target", created).Msg("Target exists, writing to new name")
	e.info.setTarget(created)
	return nil
}

// checkResource drops recorded progress when the probed resource no longer
// matches what was partially downloaded.
func (e *Engine) checkResource(size int64, etag string) {
	snap := e.info.Snapshot()
	if snap.Count == 0 && !snap.Multipart() {
		return
	}
	changed := snap.Total >= 0 && size >= 0 && snap.Total != size
	if snap.ETag != "" && etag != "" && snap.ETag != etag {
		changed = true
	}
	if !changed {
		return
	}
	log.Warn().Str("op", "engine/resume").Str("target", snap.Target).Int64("recorded", snap.Total).Int64("probed", size).
		Msg("Resource changed since last attempt, restarting")
	e.removeParts(snap)
	e.info.discard()
}

func (e *Engine) removeParts(snap Snapshot) {
	for i := range snap.Segments {
		if err := e.dir.Delete(e.partName(snap.Target, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("op", "engine/resume").Int("segment", i).Err(err).Msg("Failed to remove part file")
		}
	}
}
