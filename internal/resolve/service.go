// Package resolve turns circuit names into OSM element references and
// materializes their geometry. Lookups go through the mapping cache first;
// only uncached names are searched, using three tiers in strict order:
// the Wikidata P402 link, OSM elements tagged with the Wikidata id, then OSM
// name search over the circuit's name variants.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/circuit-geo/internal/mapping"
	"github.com/sells-group/circuit-geo/internal/model"
	"github.com/sells-group/circuit-geo/internal/overpass"
	"github.com/sells-group/circuit-geo/internal/trackfile"
	"github.com/sells-group/circuit-geo/internal/wikidata"
)

// TodoComment starts the comment of every entry the resolver could not map.
const TodoComment = "TODO: manual mapping needed"

// maxAlternates bounds how many other candidates a comment lists.
const maxAlternates = 3

// Cache is the part of mapping.Cache the service uses.
type Cache interface {
	Get(name string) (model.CacheEntry, bool, error)
	Upsert(name string, entry model.CacheEntry) (bool, error)
	UpdateVersion(name string, version int, verifiedAt *model.Timestamp) error
	Flush() error
}

var _ Cache = (*mapping.Cache)(nil)

// Options controls a run.
type Options struct {
	// CheckOnly compares cached versions with OSM and writes nothing.
	CheckOnly bool
	// Refresh re-downloads geometry even when the output file exists.
	Refresh bool
	// Concurrency is the number of circuits processed at once. Default: 1.
	Concurrency int
	// RunID is attached to log lines when set.
	RunID string
	// Now replaces time.Now (tests).
	Now func() time.Time
}

// Service resolves circuits.
type Service struct {
	kb     wikidata.Client
	geo    overpass.Client
	cache  Cache
	writer trackfile.Writer
	opts   Options
	log    *zap.Logger
}

// NewService creates a resolution service.
func NewService(kb wikidata.Client, geo overpass.Client, cache Cache, writer trackfile.Writer, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := zap.L().With(zap.String("component", "resolve"))
	if opts.RunID != "" {
		log = log.With(zap.String("run_id", opts.RunID))
	}
	return &Service{kb: kb, geo: geo, cache: cache, writer: writer, opts: opts, log: log}
}

// Run processes circuits and streams one outcome per started circuit to
// report. Once ctx is cancelled no further circuits are started. report may
// be nil; calls to it are serialized.
func (s *Service) Run(ctx context.Context, circuits []model.Circuit, report func(model.Outcome)) model.Summary {
	summary := model.NewSummary()
	var mu sync.Mutex

	var clashes map[string]string
	if !s.opts.CheckOnly {
		clashes = model.FilenameClashes(circuits)
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	for _, c := range circuits {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			var out model.Outcome
			if first, ok := clashes[c.Name]; ok {
				out = unresolved(c.Name, eris.Errorf("resolve: output file %q is already used by %q", model.SafeFilename(c.Name), first))
				s.logOutcome(out)
			} else {
				out = s.Process(ctx, c)
			}

			mu.Lock()
			defer mu.Unlock()
			summary.Add(out)
			if report != nil {
				report(out)
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		s.log.Warn("run cancelled", zap.Int("processed", summary.Total), zap.Int("total", len(circuits)))
	}
	return summary
}

// Process handles one circuit. It never returns an error: failures become an
// Unresolved outcome with a reason.
func (s *Service) Process(ctx context.Context, c model.Circuit) model.Outcome {
	out := s.process(ctx, c)
	s.logOutcome(out)
	return out
}

func (s *Service) process(ctx context.Context, c model.Circuit) model.Outcome {
	entry, cached, err := s.cache.Get(c.Name)
	if err != nil {
		return unresolved(c.Name, err)
	}

	if s.opts.CheckOnly {
		return s.check(ctx, c, entry, cached)
	}

	if cached {
		if entry.Absent() {
			return absentOutcome(c.Name, entry, true)
		}
		if !s.opts.Refresh && s.writer.Exists(c.Name) {
			return model.Outcome{
				Name:       c.Name,
				Status:     model.StatusSkipped,
				Ref:        entry.Ref(),
				Method:     entry.SearchMethod,
				WikidataID: entry.WikidataID,
				Version:    deref(entry.OSMVersion),
				Reason:     "output already exists",
				Cached:     true,
			}
		}
		return s.materialize(ctx, c, entry, true)
	}

	m, err := s.search(ctx, c)
	if err != nil {
		return unresolved(c.Name, err)
	}

	now := model.NewTimestamp(s.opts.Now())
	if m.ref == nil {
		todo := model.CacheEntry{
			WikidataID: m.qid,
			Manual:     true,
			Comment:    todoComment(m.qid),
			VerifiedAt: now,
		}
		if err := s.store(c.Name, todo); err != nil {
			return unresolved(c.Name, err)
		}
		return absentOutcome(c.Name, todo, false)
	}

	found := model.CacheEntry{
		OSMID:        m.ref.ID,
		OSMType:      m.ref.Type,
		WikidataID:   m.qid,
		SearchMethod: m.method,
		SearchName:   m.searchName,
		VerifiedAt:   now,
		Comment:      alternatesComment(m.alternates),
	}
	if err := s.store(c.Name, found); err != nil {
		return unresolved(c.Name, err)
	}
	return s.materialize(ctx, c, found, false)
}

// match is the result of a search. ref is nil when every tier came back
// empty.
type match struct {
	ref        *model.GeoRef
	method     model.SearchMethod
	searchName string
	qid        string
	alternates []model.GeoRef
}

// search runs the tiers. A Geometry Source failure aborts the search so that
// a transient outage is never recorded as a confirmed absence. Knowledge-base
// failures only mean there is no item to follow.
//
// The circuit name is looked up first; Grand Prix names are tried for tiers 1
// and 2 only when it yields no element.
func (s *Service) search(ctx context.Context, c model.Circuit) (*match, error) {
	m := &match{}
	log := s.log.With(zap.String("circuit", c.Name))

	tried := make(map[string]bool)
	for i, name := range c.KnowledgeBaseNames() {
		qid, err := s.lookupItem(ctx, log, name)
		if err != nil {
			return nil, err
		}
		if qid == "" || tried[qid] {
			continue
		}
		tried[qid] = true
		if m.qid == "" {
			m.qid = qid
		}

		found, err := s.linkedElement(ctx, log, qid)
		if err != nil {
			return nil, err
		}
		if found != nil {
			found.qid = qid
			if i > 0 {
				found.searchName = name
			}
			return found, nil
		}
	}

	for _, variant := range c.SearchVariants() {
		refs, err := s.geo.SearchByName(ctx, variant)
		switch {
		case err == nil:
			m.ref, m.method, m.searchName, m.alternates = &refs[0], model.MethodNameSearch, variant, refs[1:]
			return m, nil
		case !errors.Is(err, overpass.ErrNotFound):
			return nil, eris.Wrapf(err, "resolve: name search for %q", variant)
		}
		log.Debug("no match for name variant", zap.String("variant", variant))
	}
	return m, nil
}

// lookupItem resolves name to a Wikidata item. It returns "" on a miss or a
// knowledge-base failure, and an error only when ctx is done.
func (s *Service) lookupItem(ctx context.Context, log *zap.Logger, name string) (string, error) {
	qid, err := s.kb.ResolveName(ctx, name)
	switch {
	case err == nil:
		log.Debug("wikidata item", zap.String("name", name), zap.String("wikidata_id", qid))
		return qid, nil
	case errors.Is(err, wikidata.ErrNotFound):
		return "", nil
	case ctx.Err() != nil:
		return "", eris.Wrap(ctx.Err(), "resolve: cancelled")
	default:
		log.Warn("wikidata lookup failed, continuing without it", zap.String("name", name), zap.Error(err))
		return "", nil
	}
}

// linkedElement runs tier 1 (P402) then tier 2 (wikidata tag) for qid. It
// returns nil when neither finds an element.
func (s *Service) linkedElement(ctx context.Context, log *zap.Logger, qid string) (*match, error) {
	ref, ok, err := s.directXref(ctx, qid)
	if err != nil {
		if !isKBError(err) {
			return nil, err
		}
		log.Warn("wikidata property lookup failed", zap.String("wikidata_id", qid), zap.Error(err))
	}
	if ok {
		return &match{ref: &ref, method: model.MethodDirectXref}, nil
	}

	refs, err := s.geo.SearchByTag(ctx, "wikidata", qid)
	switch {
	case err == nil:
		return &match{ref: &refs[0], method: model.MethodTaggedSearch, alternates: refs[1:]}, nil
	case errors.Is(err, overpass.ErrNotFound):
		return nil, nil
	default:
		return nil, eris.Wrapf(err, "resolve: tagged search for %s", qid)
	}
}

// kbError marks knowledge-base failures, which only degrade the search.
type kbError struct{ err error }

func (e *kbError) Error() string { return e.err.Error() }
func (e *kbError) Unwrap() error { return e.err }

func isKBError(err error) bool {
	var k *kbError
	return errors.As(err, &k)
}

// directXref follows the item's P402 property and checks that the relation
// exists. ok is false when there is no usable link.
func (s *Service) directXref(ctx context.Context, qid string) (model.GeoRef, bool, error) {
	val, ok, err := s.kb.GetProperty(ctx, qid, wikidata.PropOSMRelation)
	if err != nil {
		if errors.Is(err, wikidata.ErrNotFound) {
			return model.GeoRef{}, false, nil
		}
		return model.GeoRef{}, false, &kbError{err: err}
	}
	if !ok {
		return model.GeoRef{}, false, nil
	}

	id, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil || id <= 0 {
		s.log.Warn("ignoring malformed P402 value", zap.String("wikidata_id", qid), zap.String("value", val))
		return model.GeoRef{}, false, nil
	}

	ref := model.NewGeoRef(id, model.Relation)
	if _, err := s.geo.ElementVersion(ctx, ref); err != nil {
		if errors.Is(err, overpass.ErrNotFound) {
			s.log.Warn("P402 points to a missing relation", zap.String("wikidata_id", qid), zap.Int64("osm_id", id))
			return model.GeoRef{}, false, nil
		}
		return model.GeoRef{}, false, eris.Wrapf(err, "resolve: validate %s from %s", ref, qid)
	}
	return ref, true, nil
}

// materialize downloads the geometry, writes it and records the version.
func (s *Service) materialize(ctx context.Context, c model.Circuit, entry model.CacheEntry, cached bool) model.Outcome {
	out := model.Outcome{
		Name:        c.Name,
		Ref:         entry.Ref(),
		Method:      entry.SearchMethod,
		WikidataID:  entry.WikidataID,
		PrevVersion: deref(entry.OSMVersion),
		Cached:      cached,
	}
	if entry.Manual && out.Method == "" {
		out.Method = model.MethodManual
	}

	geom, err := s.geo.FetchElement(ctx, out.Ref)
	if err != nil {
		out.Status = model.StatusUnresolved
		if errors.Is(err, overpass.ErrNotFound) {
			out.Reason = fmt.Sprintf("%s no longer exists in OSM (check https://www.openstreetmap.org/%s/%d)", out.Ref, out.Ref.Type, *out.Ref.ID)
		} else {
			out.Reason = fmt.Sprintf("failed to get geometry: %v", err)
		}
		return out
	}
	geom.Name = c.Name
	out.Version = geom.Version
	out.Endpoint = geom.Endpoint

	path, err := s.writer.Write(c.Name, geom)
	if err != nil {
		out.Status = model.StatusUnresolved
		if errors.Is(err, trackfile.ErrNoGeometry) {
			out.Reason = fmt.Sprintf("%s has no geometry", out.Ref)
		} else {
			out.Reason = fmt.Sprintf("failed to save geometry: %v", err)
		}
		return out
	}
	out.Path = path

	if err := s.cache.UpdateVersion(c.Name, geom.Version, model.NewTimestamp(s.opts.Now())); err != nil {
		out.Status = model.StatusUnresolved
		out.Reason = err.Error()
		return out
	}
	if err := s.cache.Flush(); err != nil {
		out.Status = model.StatusUnresolved
		out.Reason = fmt.Sprintf("geometry saved but cache flush failed: %v", err)
		return out
	}

	out.Status = model.StatusResolved
	return out
}

// check compares the cached version with OSM without writing anything.
func (s *Service) check(ctx context.Context, c model.Circuit, entry model.CacheEntry, cached bool) model.Outcome {
	if !cached {
		return model.Outcome{Name: c.Name, Status: model.StatusUnresolved, Reason: "not yet resolved"}
	}
	if entry.Absent() {
		return absentOutcome(c.Name, entry, true)
	}

	out := model.Outcome{
		Name:        c.Name,
		Ref:         entry.Ref(),
		Method:      entry.SearchMethod,
		WikidataID:  entry.WikidataID,
		PrevVersion: deref(entry.OSMVersion),
		Cached:      true,
	}
	remote, err := s.geo.ElementVersion(ctx, out.Ref)
	if err != nil {
		out.Status = model.StatusUnresolved
		out.Reason = fmt.Sprintf("version check failed: %v", err)
		return out
	}
	out.Version = remote

	switch {
	case entry.OSMVersion == nil:
		out.Status = model.StatusDrift
		out.Reason = fmt.Sprintf("never downloaded, OSM has v%d", remote)
	case remote > *entry.OSMVersion:
		out.Status = model.StatusDrift
		out.Reason = fmt.Sprintf("v%d -> v%d", *entry.OSMVersion, remote)
	default:
		out.Status = model.StatusUpToDate
		out.Reason = fmt.Sprintf("up to date (v%d)", *entry.OSMVersion)
	}
	return out
}

func (s *Service) store(name string, entry model.CacheEntry) error {
	if _, err := s.cache.Upsert(name, entry); err != nil {
		return err
	}
	return s.cache.Flush()
}

func (s *Service) logOutcome(out model.Outcome) {
	fields := []zap.Field{
		zap.String("circuit", out.Name),
		zap.String("status", string(out.Status)),
		zap.Bool("cached", out.Cached),
	}
	if !out.Ref.Absent() {
		fields = append(fields, zap.Int64("osm_id", *out.Ref.ID), zap.String("osm_type", string(out.Ref.Type)))
	}
	if out.Method != "" {
		fields = append(fields, zap.String("method", string(out.Method)))
	}
	if out.Endpoint != "" {
		fields = append(fields, zap.String("endpoint", out.Endpoint))
	}
	if out.Reason != "" {
		fields = append(fields, zap.String("reason", out.Reason))
	}

	if out.Status == model.StatusUnresolved {
		s.log.Warn("circuit unresolved", fields...)
		return
	}
	s.log.Info("circuit processed", fields...)
}

func unresolved(name string, err error) model.Outcome {
	return model.Outcome{Name: name, Status: model.StatusUnresolved, Reason: err.Error()}
}

func absentOutcome(name string, entry model.CacheEntry, cached bool) model.Outcome {
	reason := entry.Comment
	if reason == "" {
		reason = "marked as not in OSM"
	}
	return model.Outcome{
		Name:       name,
		Status:     model.StatusConfirmedAbsent,
		Ref:        entry.Ref(),
		Method:     entry.SearchMethod,
		WikidataID: entry.WikidataID,
		Reason:     reason,
		Cached:     cached,
	}
}

func todoComment(qid string) string {
	if qid == "" {
		return TodoComment
	}
	return fmt.Sprintf("%s (check https://www.wikidata.org/wiki/%s)", TodoComment, qid)
}

func alternatesComment(refs []model.GeoRef) string {
	if len(refs) == 0 {
		return ""
	}
	if len(refs) > maxAlternates {
		refs = refs[:maxAlternates]
	}
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.String()
	}
	return fmt.Sprintf("Also found: %s. Please verify manually.", strings.Join(names, ", "))
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
