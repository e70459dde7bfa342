// Package change models committed document revisions as immutable change
// Events, and fans out batches of Events to registered Listeners.
package change

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Revision identifies an immutable version of a document produced by one commit.
type Revision struct {
	// DocID is the document identifier.
	DocID string
	// RevID is the content-addressed revision identifier, of the form
	// "<generation>-<digest>".
	RevID string
	// ParentRevID is the RevID this revision was derived from, or empty if
	// it's the first revision of the document.
	ParentRevID string
	// Deleted is true if the revision is a tombstone.
	Deleted bool
}

// Validate returns an error if the Revision is not well-formed.
func (r Revision) Validate() error {
	if r.DocID == "" {
		return errors.New("expected DocID")
	} else if r.RevID == "" {
		return errors.New("expected RevID")
	}
	return nil
}

// Generation returns the generation prefix of the RevID.
func (r Revision) Generation() (int, error) {
	var ind = strings.IndexByte(r.RevID, '-')
	if ind <= 0 {
		return 0, errors.Errorf("malformed RevID %q (expected <generation>-<digest>)", r.RevID)
	}
	var gen, err = strconv.Atoi(r.RevID[:ind])
	if err != nil || gen <= 0 {
		return 0, errors.Errorf("malformed RevID %q (invalid generation)", r.RevID)
	}
	return gen, nil
}

// Event describes one committed Revision: whether it's the current (winning)
// revision of its document at commit time, whether the commit created or left
// unresolved a conflicting branch, and the peer from which it was replicated.
// Events are immutable once constructed.
type Event struct {
	rev        Revision
	isCurrent  bool
	isConflict bool
	source     *url.URL
}

// NewEvent returns an Event of the committed Revision. |isCurrent| and
// |isConflict| are determined by the storage engine at commit time. |source|
// locates the peer which originated the revision, and is nil for local writes.
func NewEvent(rev Revision, isCurrent, isConflict bool, source *url.URL) (Event, error) {
	if err := rev.Validate(); err != nil {
		return Event{}, errors.WithMessage(err, "Revision")
	}
	var ev = Event{
		rev:        rev,
		isCurrent:  isCurrent,
		isConflict: isConflict,
	}
	if source != nil {
		var cp = *source
		ev.source = &cp
	}
	return ev, nil
}

// DocID returns the document identifier of the Event.
func (e Event) DocID() string { return e.rev.DocID }

// RevID returns the revision identifier of the Event.
func (e Event) RevID() string { return e.rev.RevID }

// Revision returns the committed Revision of the Event.
func (e Event) Revision() Revision { return e.rev }

// IsCurrentRevision is true if the revision was its document's winning
// revision at commit time.
func (e Event) IsCurrentRevision() bool { return e.isCurrent }

// IsConflict is true if the commit created or left unresolved a conflict.
func (e Event) IsConflict() bool { return e.isConflict }

// IsExternal is true if the revision arrived via replication from a peer.
func (e Event) IsExternal() bool { return e.source != nil }

// Source returns a copy of the locator of the originating peer, or nil if
// the revision was written locally.
func (e Event) Source() *url.URL {
	if e.source == nil {
		return nil
	}
	var cp = *e.source
	return &cp
}

// String returns a compact human-readable form of the Event.
func (e Event) String() string {
	var flags []string
	if e.isCurrent {
		flags = append(flags, "current")
	}
	if e.isConflict {
		flags = append(flags, "conflict")
	}
	if e.rev.Deleted {
		flags = append(flags, "deleted")
	}
	var s = fmt.Sprintf("%s@%s", e.rev.DocID, e.rev.RevID)
	if len(flags) != 0 {
		s += "[" + strings.Join(flags, ",") + "]"
	}
	if e.source != nil {
		s += " from " + e.source.Redacted()
	}
	return s
}
