// Package server implements DNS protocol servers for UDP and TCP.
//
// Goroutine Model:
//
// The server spawns multiple goroutines for handling incoming queries:
//   - UDPServer: 1 receiver + N workers per CPU core
//   - TCPServer: 1 listener per CPU core + 1 handler per active connection
//
// All goroutines are coordinated through a shared context:
//   - Context is cancelled on shutdown signal (SIGINT/SIGTERM)
//   - All goroutines check context regularly and exit cleanly
//   - No long-lived blocking operations without context awareness
//
// Error Handling:
//
// Errors are wrapped with context using fmt.Errorf("...: %w", err) throughout.
// This preserves error chains while adding operational context.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/coredns-labs/authdns/internal/acl"
	"github.com/coredns-labs/authdns/internal/dns"
	"github.com/coredns-labs/authdns/internal/ixfr"
	"github.com/coredns-labs/authdns/internal/resolvers"
	"github.com/coredns-labs/authdns/internal/scheduler"
)

// ACLChecker gates a query by client address before it reaches the
// resolver chain. It is satisfied by *acl.Evaluator.
type ACLChecker interface {
	Allow(ctx context.Context, surface string, addr net.IP, permissiveDefault bool) (bool, error)
}

// RequestRateLimiter gates a query by client address using a sliding-window
// admission rule. It is satisfied by *SlidingWindowLimiter.
type RequestRateLimiter interface {
	Allow(key string) bool
}

// TransferHandler answers AXFR/IXFR requests. It is satisfied by
// *ixfr.Engine and owns its own transfer-surface ACL check and TSIG
// verification, so QueryHandler.Handle routes transfer QTYPEs to it
// ahead of the normal authoritative ACL check and resolver chain.
type TransferHandler interface {
	Handle(ctx context.Context, clientAddr net.IP, reqBytes []byte, parsed dns.Packet) []byte
}

// QueryHandler processes DNS queries through a resolver and handles
// timeouts and error conditions.
type QueryHandler struct {
	Logger    *slog.Logger       // Optional logger for debug output
	Resolver  resolvers.Resolver // The resolver chain to process queries
	Timeout   time.Duration      // Maximum time for query resolution (default: 4s)
	ACL       ACLChecker         // Optional; nil disables ACL gating
	Transfer  TransferHandler    // Optional; nil means AXFR/IXFR fall through to the resolver chain
	RateLimit RequestRateLimiter // Optional; nil disables the sliding-window admission check
	Stats     *DNSStats          // Optional; nil disables /stats accounting, fed to the admin plane's /stats
}

// HandleResult contains the outcome of query processing.
type HandleResult struct {
	ResponseBytes []byte     // Serialized DNS response
	Source        string     // Origin of response (cache, upstream, error type)
	Parsed        dns.Packet // Parsed request (if ParsedOK is true)
	ParsedOK      bool       // Whether the request was successfully parsed
}

// Handle processes a DNS request and returns a response.
//
// Processing steps:
//  1. Parse the raw request bytes
//  2. ACL check against the authoritative surface
//  3. Forward to resolver with timeout
//  4. Answer errors: FORMERR for an unparseable request (NOTIMP for an
//     unsupported opcode or UPDATE), SERVFAIL on timeout or resolver failure
//  5. Log request details at debug level
//
// The context is checked for cancellation (e.g., server shutdown).
func (h *QueryHandler) Handle(ctx context.Context, transport string, src string, reqBytes []byte) (handled HandleResult) {
	start := time.Now()
	if h.Stats != nil {
		defer func() {
			h.Stats.RecordQuery(transport)
			h.Stats.RecordLatency(time.Since(start).Nanoseconds())
			switch responseRCode(handled.ResponseBytes) {
			case int(dns.RCodeNoError):
			case int(dns.RCodeNXDomain):
				h.Stats.RecordNXDOMAIN()
			default:
				h.Stats.RecordError()
			}
		}()
	}

	task := &scheduler.Task{
		InternalID: scheduler.NewInternalID(),
		Protocol:   protocolForTransport(transport),
		State:      scheduler.StateNeedRead,
	}

	// Step 1: Parse request
	parsed, err := dns.ParseRequestBounded(reqBytes)
	if err != nil {
		return h.handleParseError(reqBytes, err)
	}

	// Extract question info for logging
	qname, qtype := extractQuestionInfo(parsed)

	task.TxID = parsed.Header.ID
	task.QName = qname
	task.QType = uint16(qtype)
	if len(parsed.Questions) > 0 {
		task.QClass = parsed.Questions[0].Class
	}
	task.Transition(scheduler.StateNeedQuestion, start.Add(h.effectiveTimeout()))
	defer task.Transition(scheduler.StateNeedCleanup, time.Time{})

	// Step 1.2: Sliding-window admission control. Applies ahead of both the
	// transfer engine and the authoritative ACL check: a client that has
	// crossed its query budget is refused regardless of surface.
	if h.RateLimit != nil {
		if key := clientIP(src); key != nil && !h.RateLimit.Allow(key.String()) {
			task.Transition(scheduler.StateNeedWrite, task.Deadline)
			result := h.buildErrorResult(parsed, "rate-limited", dns.RCodeRefused)
			h.logRequest(ctx, transport, src, parsed, task, len(reqBytes), result.Source)
			return HandleResult{ResponseBytes: result.ResponseBytes, Source: result.Source, Parsed: parsed, ParsedOK: true}
		}
	}

	// Opcode UPDATE passes request validation only to be answered NOTIMP
	// here; dynamic UPDATE is never processed.
	if dns.Opcode(parsed.Header.Flags) == dns.OpcodeUpdate {
		task.Transition(scheduler.StateNeedWrite, task.Deadline)
		result := h.buildErrorResult(parsed, "notimp", dns.RCodeNotImp)
		h.logRequest(ctx, transport, src, parsed, task, len(reqBytes), result.Source)
		return HandleResult{ResponseBytes: result.ResponseBytes, Source: result.Source, Parsed: parsed, ParsedOK: true}
	}

	// Step 1.5: Zone transfers have their own ACL surface and optional
	// TSIG handling, owned entirely by the transfer engine.
	if h.Transfer != nil && ixfr.Handles(uint16(qtype)) {
		task.Priority = scheduler.PriorityForQuery(true)
		task.Transition(scheduler.StateNeedWrite, task.Deadline)
		resp := h.Transfer.Handle(ctx, clientIP(src), reqBytes, parsed)
		h.logRequest(ctx, transport, src, parsed, task, len(reqBytes), "transfer")
		return HandleResult{ResponseBytes: resp, Source: "transfer", Parsed: parsed, ParsedOK: true}
	}

	// Step 2: ACL check (authoritative surface is permissive by default;
	// an explicit deny rule still wins).
	if h.ACL != nil {
		allowed, err := h.ACL.Allow(ctx, acl.SurfaceAuthoritative, clientIP(src), true)
		if err == nil && !allowed {
			task.Transition(scheduler.StateNeedWrite, task.Deadline)
			result := h.buildErrorResult(parsed, "acl-denied", dns.RCodeRefused)
			h.logRequest(ctx, transport, src, parsed, task, len(reqBytes), result.Source)
			return HandleResult{ResponseBytes: result.ResponseBytes, Source: result.Source, Parsed: parsed, ParsedOK: true}
		}
	}

	// Step 3: Resolve with timeout
	task.Transition(scheduler.StateNeedAnswer, task.Deadline)
	result := h.resolveWithTimeout(ctx, parsed, reqBytes)
	task.Priority = scheduler.PriorityForQuery(strings.HasPrefix(result.Source, "upstream"))
	task.Transition(scheduler.StateNeedWrite, task.Deadline)

	// Step 4: Log at debug level
	h.logRequest(ctx, transport, src, parsed, task, len(reqBytes), result.Source)

	return HandleResult{
		ResponseBytes: result.ResponseBytes,
		Source:        result.Source,
		Parsed:        parsed,
		ParsedOK:      true,
	}
}

// effectiveTimeout returns the configured resolve timeout, or the default
// resolveWithTimeout falls back to when unset.
func (h *QueryHandler) effectiveTimeout() time.Duration {
	if h.Timeout <= 0 {
		return 4 * time.Second
	}
	return h.Timeout
}

// protocolForTransport maps a server transport label to the task's
// transport classification.
func protocolForTransport(transport string) scheduler.Protocol {
	if transport == "tcp" {
		return scheduler.ProtocolStream
	}
	return scheduler.ProtocolDatagram
}

// handleParseError attempts to build an error response from a malformed request.
// Returns NOTIMP when the parser rejected the opcode, FORMERR otherwise, if
// the header could be extracted; no response bytes if not.
func (h *QueryHandler) handleParseError(reqBytes []byte, err error) HandleResult {
	rcode, source := dns.RCodeFormErr, "formerr"
	var dnsErr *dns.Error
	if errors.As(err, &dnsErr) && dnsErr.RCode == dns.RCodeNotImp {
		rcode, source = dns.RCodeNotImp, "notimp"
	}
	resp := tryBuildErrorFromRaw(reqBytes, uint16(rcode))
	if resp == nil {
		return HandleResult{ResponseBytes: nil, Source: "parse-error", ParsedOK: false}
	}
	return HandleResult{ResponseBytes: resp, Source: source, ParsedOK: false}
}

// responseRCode extracts the RCODE from a wire-format DNS message without
// a full parse, for /stats accounting. Returns -1 for a nil/short message
// (the parse-error path, which never built a header).
func responseRCode(resp []byte) int {
	if len(resp) < 4 {
		return -1
	}
	flags := binary.BigEndian.Uint16(resp[2:4])
	return int(dns.RCodeFromFlags(flags))
}

// clientIP parses a Handle src argument, which may be a bare IP or an
// "ip:port" pair, into a net.IP. Returns nil if it can't be parsed, which
// ACL rule types other than exact-IP/network simply fail to match.
func clientIP(src string) net.IP {
	if ip := net.ParseIP(src); ip != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(src)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// extractQuestionInfo extracts the QNAME and QTYPE from a parsed request.
func extractQuestionInfo(parsed dns.Packet) (string, int) {
	qname := "<no-question>"
	qtype := -1
	if len(parsed.Questions) > 0 {
		qname = parsed.Questions[0].Name
		qtype = int(parsed.Questions[0].Type)
	}
	return qname, qtype
}

// resolveWithTimeout runs the resolver with a timeout.
// Returns SERVFAIL on timeout, cancellation, or resolver error.
//
// Design note: This spawns a goroutine per query to enforce timeout without blocking
// the worker pool. An alternative design would make resolvers context-aware and timeout
// internally, but that would require all resolver implementations to handle context
// cancellation correctly. The current approach keeps timeout enforcement isolated here.
//
// Goroutine lifecycle: Spawned per query, exits when the resolver call
// returns. Resolve receives ctx, so server shutdown reaches the resolver; the
// timeout only ends the wait here, and the goroutine finishes in the background.
// Cleanup: resCh has a buffer of one, so the late send never blocks; the
// channel is never closed and needs no cleanup.
func (h *QueryHandler) resolveWithTimeout(ctx context.Context, parsed dns.Packet, reqBytes []byte) resolvers.Result {
	// Start resolver in background
	resCh := make(chan struct {
		res resolvers.Result
		err error
	}, 1)
	go func() {
		res, err := h.Resolver.Resolve(ctx, parsed, reqBytes)
		resCh <- struct {
			res resolvers.Result
			err error
		}{res: res, err: err}
	}()

	// Set up timeout
	timer := time.NewTimer(h.effectiveTimeout())
	defer timer.Stop()

	// Wait for result, timeout, or cancellation
	select {
	case <-ctx.Done():
		return h.buildErrorResult(parsed, "shutdown", dns.RCodeServFail)
	case <-timer.C:
		return h.buildErrorResult(parsed, "timeout", dns.RCodeServFail)
	case r := <-resCh:
		if r.err != nil {
			return h.buildErrorResult(parsed, "servfail", dns.RCodeServFail)
		}
		return r.res
	}
}

// buildErrorResult builds an error response for a given parsed packet.
func (h *QueryHandler) buildErrorResult(parsed dns.Packet, source string, rcode dns.RCode) resolvers.Result {
	return resolvers.Result{
		ResponseBytes: mustMarshal(dns.BuildErrorResponse(parsed, uint16(rcode))),
		Source:        source,
	}
}

// logRequest logs DNS request details at debug level.
func (h *QueryHandler) logRequest(
	ctx context.Context,
	transport, src string,
	parsed dns.Packet,
	task *scheduler.Task,
	reqLen int,
	source string,
) {
	if h.Logger == nil || !h.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	h.Logger.DebugContext(
		ctx,
		"dns request",
		"transport", transport,
		"src", src,
		"id", int(parsed.Header.ID),
		"internal_id", task.InternalID,
		"qname", task.QName,
		"qtype", int(task.QType),
		"priority", task.Priority,
		"state", task.State,
		"bytes", reqLen,
		"source", source,
	)
}

// mustMarshal serializes a DNS packet, returning nil on error.
func mustMarshal(p dns.Packet) []byte {
	b, err := p.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// tryBuildErrorFromRaw attempts to construct an error response from raw bytes.
// This is used when request parsing fails but we can still extract enough
// information (transaction ID, question) to build a valid error response.
//
// Returns nil if even the header cannot be parsed.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	h, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}

	// Try to include the question in the error response
	var questions []dns.Question
	if h.QDCount > 0 {
		q, err := dns.ParseQuestion(reqBytes, &off)
		if err == nil {
			questions = make([]dns.Question, 1)
			questions[0] = q
		}
	}

	p := dns.Packet{Header: dns.Header{ID: h.ID, Flags: h.Flags}, Questions: questions}
	b, _ := dns.BuildErrorResponse(p, rcode).Marshal()
	return b
}
