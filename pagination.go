package bullroom

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultNearTopThreshold is the distance from the oldest loaded message at
// which the UI should ask for another page.
const DefaultNearTopThreshold = 100

// Viewport is the scroll container showing the timeline, oldest at the top.
type Viewport interface {
	ContentHeight() float64
	ScrollOffset() float64
	SetScrollOffset(offset float64)
}

// ScrollAnchor remembers the viewport geometry from before a page was
// prepended so the visible content does not jump.
type ScrollAnchor struct {
	height float64
	offset float64
}

// Restore shifts the viewport by however much content grew above it. Call it
// after the new page has been laid out.
func (a *ScrollAnchor) Restore(vp Viewport) {
	if a == nil || vp == nil {
		return
	}
	vp.SetScrollOffset(a.offset + (vp.ContentHeight() - a.height))
}

// LoadResult describes what one LoadMore call did.
type LoadResult struct {
	// Added counts messages appended after de-duplication.
	Added   int
	HasMore bool
	// Exhausted is set when the room had nothing left and no fetch was made.
	Exhausted bool
	// Skipped is set when another fetch for the room was already in flight.
	Skipped bool
	// Discarded is set when the result arrived after the room stopped being
	// active and was dropped.
	Discarded bool
	Anchor    *ScrollAnchor
}

// PageState is the paging cursor of one room.
type PageState struct {
	NextOffset int
	HasMore    bool
	InFlight   bool
}

type pageCursor struct {
	PageState
	cancel context.CancelFunc
}

// PaginationController loads older history in fixed batches, newest first.
type PaginationController struct {
	store   *Store
	backend Backend
	session *Session
	logger  zerolog.Logger
	metrics *Metrics

	// NearTopThreshold is consulted by NearTop.
	NearTopThreshold float64

	mu      sync.Mutex
	cursors map[string]*pageCursor
	active  string
	gen     uint64
}

// NewPaginationController creates a controller for session. The batch size
// follows the session: signed-in users get larger pages.
func NewPaginationController(store *Store, backend Backend, session *Session, opts ...Option) *PaginationController {
	o := buildOptions(opts)
	return &PaginationController{
		store:            store,
		backend:          backend,
		session:          session,
		logger:           o.logger,
		metrics:          o.metrics,
		NearTopThreshold: DefaultNearTopThreshold,
		cursors:          make(map[string]*pageCursor),
	}
}

// BatchSize returns the page size used for this session.
func (p *PaginationController) BatchSize() int {
	if p.session.Authenticated() {
		return AuthenticatedBatchSize
	}
	return AnonymousBatchSize
}

// NearTop reports whether a scroll offset is close enough to the oldest
// message to trigger LoadMore.
func (p *PaginationController) NearTop(offset float64) bool {
	return offset <= p.NearTopThreshold
}

// Activate makes roomID the room whose pages are accepted. An in-flight fetch
// for the previous room is cancelled and its result discarded.
func (p *PaginationController) Activate(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == roomID {
		return
	}
	if prev, ok := p.cursors[p.active]; ok && prev.cancel != nil {
		prev.cancel()
		prev.cancel = nil
		prev.InFlight = false
	}
	p.active = roomID
	p.gen++
}

func (p *PaginationController) cursor(roomID string) *pageCursor {
	c, ok := p.cursors[roomID]
	if !ok {
		c = &pageCursor{PageState: PageState{HasMore: true}}
		p.cursors[roomID] = c
	}
	return c
}

// State returns a copy of the room's cursor.
func (p *PaginationController) State(roomID string) PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor(roomID).PageState
}

// Reset forgets the cursor for roomID, cancelling any fetch in flight.
func (p *PaginationController) Reset(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cursors[roomID]; ok && c.cancel != nil {
		c.cancel()
	}
	delete(p.cursors, roomID)
	if p.active == roomID {
		p.gen++
	}
}

// LoadMore fetches the next older batch for roomID and appends it behind the
// cached timeline. vp may be nil; when set, the returned anchor restores the
// scroll position after layout.
func (p *PaginationController) LoadMore(ctx context.Context, roomID string, vp Viewport) (LoadResult, error) {
	p.mu.Lock()
	if p.active == "" {
		p.active = roomID
	}
	if p.active != roomID {
		p.mu.Unlock()
		p.metrics.page("discarded")
		return LoadResult{Discarded: true}, nil
	}
	c := p.cursor(roomID)
	if !c.HasMore {
		p.mu.Unlock()
		p.metrics.page("exhausted")
		return LoadResult{Exhausted: true}, nil
	}
	if c.InFlight {
		p.mu.Unlock()
		p.metrics.page("skipped")
		return LoadResult{Skipped: true, HasMore: true}, nil
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	c.InFlight = true
	c.cancel = cancel
	gen := p.gen
	offset := c.NextOffset
	p.mu.Unlock()
	defer cancel()

	var anchor *ScrollAnchor
	if vp != nil {
		anchor = &ScrollAnchor{height: vp.ContentHeight(), offset: vp.ScrollOffset()}
	}

	limit := p.BatchSize()
	msgs, err := p.backend.ListMessages(fetchCtx, roomID, limit, offset)

	p.mu.Lock()
	if p.gen != gen || p.active != roomID {
		p.mu.Unlock()
		p.logger.Debug().Str("room_id", roomID).Msg("stale_page_discarded")
		p.metrics.page("discarded")
		return LoadResult{Discarded: true}, nil
	}
	c.InFlight = false
	c.cancel = nil
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn().Err(err).Str("room_id", roomID).Int("offset", offset).Msg("load_more_failed")
		p.metrics.page("error")
		return LoadResult{HasMore: true}, remoteError("load_more", err)
	}
	c.NextOffset += len(msgs)
	c.HasMore = len(msgs) == limit
	hasMore := c.HasMore
	p.mu.Unlock()

	added := p.store.AppendPage(roomID, Page{Messages: msgs, HasMore: hasMore, Offset: offset})
	p.logger.Debug().
		Str("room_id", roomID).
		Int("offset", offset).
		Int("fetched", len(msgs)).
		Int("added", added).
		Bool("has_more", hasMore).
		Msg("page_loaded")
	p.metrics.page("ok")
	return LoadResult{Added: added, HasMore: hasMore, Anchor: anchor}, nil
}
