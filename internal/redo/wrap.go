package redo

import pkgerrors "github.com/pkg/errors"

// wrapWriterErr makes the writer's latched close cause (if any) the root
// of err's chain, so a caller retrying after a transient write failure
// still learns why the writer actually closed instead of only seeing the
// symptom of that closure.
func wrapWriterErr(w Writer, err error) error {
	if err == nil {
		return nil
	}
	if cause := w.CloseCause(); cause != nil {
		return pkgerrors.Wrapf(cause, "redo: write failed: %v", err)
	}
	return err
}
