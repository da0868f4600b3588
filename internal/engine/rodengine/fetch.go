package rodengine

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"hackium/internal/engine"
	"hackium/internal/logging"
	"hackium/pkg/sdk"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// fetchInterceptor multiplexes every response registration of one page onto a
// single Fetch domain subscription and chains matching handlers in
// registration order.
type fetchInterceptor struct {
	page *rod.Page
	ctx  context.Context // page lifetime

	// subscribe and send reach the protocol; tests replace them.
	subscribe func() <-chan *rod.Message
	send      func(ctx context.Context, req proto.Request) error

	mu      sync.Mutex
	regs    []*registration
	started bool
}

type matcher struct {
	re           *regexp.Regexp
	resourceType string
}

func (m matcher) match(url, resourceType string) bool {
	if m.resourceType != "" && !strings.EqualFold(m.resourceType, resourceType) {
		return false
	}
	return m.re.MatchString(url)
}

type registration struct {
	f        *fetchInterceptor
	patterns []sdk.RequestPattern
	matchers []matcher
	handler  engine.ResponseHandler
	disabled atomic.Bool
}

func (r *registration) matches(url, resourceType string) bool {
	for _, m := range r.matchers {
		if m.match(url, resourceType) {
			return true
		}
	}
	return false
}

// Disable removes the registration and narrows the Fetch patterns.
func (r *registration) Disable() error {
	if r.disabled.Swap(true) {
		return nil
	}
	return r.f.remove(r)
}

func newFetchInterceptor(page *rod.Page) *fetchInterceptor {
	return &fetchInterceptor{
		page:      page,
		ctx:       page.GetContext(),
		subscribe: page.Event,
		send: func(ctx context.Context, req proto.Request) error {
			_, err := page.Call(ctx, string(page.SessionID), req.ProtoReq(), req)
			return err
		},
	}
}

// InterceptResponses implements engine.PageHandle.
func (p *Page) InterceptResponses(ctx context.Context, patterns []sdk.RequestPattern, handler engine.ResponseHandler) (engine.Registration, error) {
	return p.fetch.register(ctx, patterns, handler)
}

func (f *fetchInterceptor) register(ctx context.Context, patterns []sdk.RequestPattern, handler engine.ResponseHandler) (engine.Registration, error) {
	if len(patterns) == 0 {
		patterns = []sdk.RequestPattern{{URLPattern: "*"}}
	}
	r := &registration{f: f, patterns: patterns, handler: handler}
	for _, p := range patterns {
		url := p.URLPattern
		if url == "" {
			url = "*"
		}
		re, err := regexp.Compile(proto.PatternToReg(url))
		if err != nil {
			return nil, fmt.Errorf("compile url pattern %q: %w", url, err)
		}
		r.matchers = append(r.matchers, matcher{re: re, resourceType: p.ResourceType})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		// Subscribe before Fetch.enable: a response paused in between
		// would otherwise never be continued.
		f.started = true
		go f.consume(f.subscribe())
	}
	f.regs = append(f.regs, r)
	if err := f.enableLocked(ctx); err != nil {
		f.regs = f.regs[:len(f.regs)-1]
		return nil, err
	}
	return r, nil
}

// consume hands every paused request of the page to handle until the page's
// event stream closes.
func (f *fetchInterceptor) consume(msgs <-chan *rod.Message) {
	method := (&proto.FetchRequestPaused{}).ProtoEvent()
	for msg := range msgs {
		if msg.Method != method {
			continue
		}
		ev := &proto.FetchRequestPaused{}
		if msg.Load(ev) {
			go f.handle(ev)
		}
	}
}

func (f *fetchInterceptor) remove(r *registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.regs {
		if existing == r {
			f.regs = append(f.regs[:i:i], f.regs[i+1:]...)
			break
		}
	}
	return f.enableLocked(f.ctx)
}

// enableLocked (re)sends Fetch.enable with the union of live patterns.
func (f *fetchInterceptor) enableLocked(ctx context.Context) error {
	if len(f.regs) == 0 {
		if err := f.send(ctx, proto.FetchDisable{}); err != nil {
			return fmt.Errorf("fetch disable: %w", err)
		}
		return nil
	}
	var patterns []*proto.FetchRequestPattern
	for _, r := range f.regs {
		for _, p := range r.patterns {
			patterns = append(patterns, &proto.FetchRequestPattern{
				URLPattern:   p.URLPattern,
				ResourceType: proto.NetworkResourceType(p.ResourceType),
				RequestStage: proto.FetchRequestStageResponse,
			})
		}
	}
	if err := f.send(ctx, proto.FetchEnable{Patterns: patterns}); err != nil {
		return fmt.Errorf("fetch enable: %w", err)
	}
	return nil
}

func (f *fetchInterceptor) matching(url, resourceType string) []*registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registration
	for _, r := range f.regs {
		if !r.disabled.Load() && r.matches(url, resourceType) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fetchInterceptor) handle(ev *proto.FetchRequestPaused) {
	log := logging.Get(logging.CategoryEngine)
	page := f.page
	ctx := page.GetContext()

	resume := func() {
		if err := (proto.FetchContinueRequest{RequestID: ev.RequestID}).Call(page); err != nil && !engine.IsTargetClosed(err) {
			log.Debug("continue %s: %v", ev.Request.URL, err)
		}
	}

	if ev.ResponseStatusCode == nil || ev.ResponseErrorReason != "" {
		resume()
		return
	}
	regs := f.matching(ev.Request.URL, string(ev.ResourceType))
	if len(regs) == 0 {
		resume()
		return
	}

	body, err := proto.FetchGetResponseBody{RequestID: ev.RequestID}.Call(page)
	if err != nil {
		log.Debug("read body %s: %v", ev.Request.URL, err)
		resume()
		return
	}
	text := body.Body
	if body.Base64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body.Body)
		if err != nil {
			log.Warn("decode body %s: %v", ev.Request.URL, err)
			resume()
			return
		}
		text = string(raw)
	}

	req := &sdk.Request{
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Headers:      make(map[string]string, len(ev.Request.Headers)),
		ResourceType: string(ev.ResourceType),
	}
	for k, v := range ev.Request.Headers {
		req.Headers[k] = v.Str()
	}
	current := &sdk.Response{
		Status:  *ev.ResponseStatusCode,
		Headers: make(map[string]string, len(ev.ResponseHeaders)),
		Body:    text,
	}
	for _, h := range ev.ResponseHeaders {
		current.Headers[h.Name] = h.Value
	}
	status := current.Status

	for _, r := range regs {
		out, err := r.handler(ctx, &sdk.Event{Request: req, Response: current})
		if err != nil {
			log.Warn("interceptor chain for %s abandoned: %v", req.URL, err)
			resume()
			return
		}
		if out != nil {
			current = out
		}
	}

	if current.Status == 0 {
		current.Status = status
	}
	err = proto.FetchFulfillRequest{
		RequestID:       ev.RequestID,
		ResponseCode:    current.Status,
		ResponseHeaders: headerEntries(current.Headers),
		Body:            []byte(current.Body),
	}.Call(page)
	if err != nil && !engine.IsTargetClosed(err) {
		log.Warn("fulfill %s: %v", req.URL, err)
	}
}

// headerEntries drops headers that no longer describe the rewritten body.
func headerEntries(h map[string]string) []*proto.FetchHeaderEntry {
	out := make([]*proto.FetchHeaderEntry, 0, len(h))
	for k, v := range h {
		switch strings.ToLower(k) {
		case "content-length", "content-encoding":
			continue
		}
		out = append(out, &proto.FetchHeaderEntry{Name: k, Value: v})
	}
	return out
}
