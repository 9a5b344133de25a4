package chat

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/chain"
	"megagram/crypto"
	"megagram/keystore"
	"megagram/logging"
	"megagram/metrics"
	"megagram/models"
)

const (
	// DefaultPageSize is how many recent messages a sync publishes.
	DefaultPageSize = 25
	// DefaultMaxBlockRange is the lookback of a sync, about 7 days of 12s blocks.
	DefaultMaxBlockRange uint64 = 50400
	// DefaultLoadMoreBlocks is the window of one "load more" step, about one day.
	DefaultLoadMoreBlocks uint64 = 7200
	// DefaultConfirmations is how many confirmations a send waits for.
	DefaultConfirmations uint64 = 1

	updateBuffer = 16
)

// ContractClient is the chain capability the engine needs.
type ContractClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, eventName string, from, to uint64) ([]chain.RawLog, error)
	Write(ctx context.Context, signer *ecdsa.PrivateKey, method string, args ...any) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error)
	Read(ctx context.Context, from, method string, args ...any) ([]any, error)
}

// Archive persists synced timelines.
type Archive interface {
	SaveMessages(conversationKey string, messages []models.Message) error
	MarkDelivered(txHash string) (int64, error)
	DeleteConversation(conversationKey string) (int64, error)
}

// Update is published whenever a conversation's visible timeline changes.
type Update struct {
	ConversationKey string
	Target          string
	IsGroup         bool
	Messages        []models.Message
}

// Wallet is the connected primary wallet.
type Wallet struct {
	Address string
	Key     *ecdsa.PrivateKey
}

// Option configures an Engine.
type Option func(*Engine)

// WithWallet connects the primary wallet.
func WithWallet(key *ecdsa.PrivateKey) Option {
	return func(e *Engine) {
		if key != nil {
			e.wallet = &Wallet{Address: crypto.AddressOf(key), Key: key}
		}
	}
}

// WithViewer sets a read-only viewer address without a signing key.
func WithViewer(address string) Option {
	return func(e *Engine) {
		if address != "" && e.wallet == nil {
			e.wallet = &Wallet{Address: strings.ToLower(address)}
		}
	}
}

// WithContract records the contract address used to scope session
// authorization flags.
func WithContract(address string) Option {
	return func(e *Engine) { e.contract = strings.ToLower(address) }
}

// WithArchive persists every synced timeline to a.
func WithArchive(a Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithClock replaces wall time, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPageSize sets how many recent messages a sync publishes.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithRetrySchedule replaces DefaultRetrySchedule.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(e *Engine) {
		if len(schedule) > 0 {
			e.schedule = schedule
		}
	}
}

// WithRateInterval replaces DefaultRateInterval. Zero disables limiting.
func WithRateInterval(d time.Duration) Option {
	return func(e *Engine) { e.rateInterval = d }
}

// WithCacheTTL replaces DefaultCacheTTL.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Engine) { e.cacheTTL = d }
}

// WithBlockWindows sets the sync lookback and the load-more step in blocks.
func WithBlockWindows(maxRange, loadMore uint64) Option {
	return func(e *Engine) {
		if maxRange > 0 {
			e.maxBlockRange = maxRange
		}
		if loadMore > 0 {
			e.loadMoreBlocks = loadMore
		}
	}
}

// conversation is the state of one conversation key.
type conversation struct {
	key     string
	target  string
	isGroup bool

	syncing atomic.Bool

	mux         sync.Mutex
	timeline    []models.Message
	published   []models.Message
	hasEarliest bool
	earliest    uint64
	// ids of locally created messages not yet superseded by an on-chain copy
	optimistic map[string]struct{}
}

// Engine keeps per-conversation timelines in sync with the chat contract.
type Engine struct {
	client    ContractClient
	keys      *keystore.KeyStore
	projector *Projector
	archive   Archive
	wallet    *Wallet
	contract  string

	clock          clock.Clock
	pageSize       int
	schedule       []time.Duration
	rateInterval   time.Duration
	cacheTTL       time.Duration
	maxBlockRange  uint64
	loadMoreBlocks uint64
	confirmations  uint64

	limiter *RateLimiter
	cache   *Cache

	mux           sync.Mutex
	conversations map[string]*conversation

	subMux  sync.Mutex
	subs    map[uint64]chan Update
	nextSub uint64

	confMux  sync.Mutex
	pending  map[string]*Confirmation
	tasks    conc.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	closeOne sync.Once
}

// NewEngine builds an engine. A nil client leaves every network operation
// failing with ErrPublicClientUnavailable.
func NewEngine(client ContractClient, keys *keystore.KeyStore, opts ...Option) *Engine {
	e := &Engine{
		client:         client,
		keys:           keys,
		clock:          clock.New(),
		pageSize:       DefaultPageSize,
		schedule:       DefaultRetrySchedule,
		rateInterval:   DefaultRateInterval,
		cacheTTL:       DefaultCacheTTL,
		maxBlockRange:  DefaultMaxBlockRange,
		loadMoreBlocks: DefaultLoadMoreBlocks,
		confirmations:  DefaultConfirmations,
		conversations:  make(map[string]*conversation),
		subs:           make(map[uint64]chan Update),
		pending:        make(map[string]*Confirmation),
	}
	for _, opt := range opts {
		opt(e)
	}

	var src PassphraseSource
	if keys != nil {
		src = keys
	}
	e.projector = NewProjector(src)
	e.limiter = NewRateLimiter(e.rateInterval, e.clock)
	e.cache = NewCache(e.clock, e.cacheTTL)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Viewer returns the connected wallet address, or "" when none is connected.
func (e *Engine) Viewer() string {
	if e.wallet == nil {
		return ""
	}
	return e.wallet.Address
}

// ConversationKey returns the canonical key of the viewer's conversation with
// target. Group conversations are keyed by their group id.
func (e *Engine) ConversationKey(target string, isGroup bool) (string, error) {
	conv, err := e.conversation(target, isGroup)
	if err != nil {
		return "", err
	}
	return conv.key, nil
}

func (e *Engine) conversation(target string, isGroup bool) (*conversation, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.WithMessage(ErrInvalidTarget, "empty target")
	}

	var key string
	if isGroup {
		key = target
	} else {
		if e.wallet == nil {
			return nil, ErrWalletNotConnected
		}
		peer, err := crypto.NormalizeAddress(target)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidTarget, "%s", target)
		}
		target = peer
		if key, err = crypto.ConversationKey(e.wallet.Address, peer); err != nil {
			return nil, errors.Wrap(err, "conversation key")
		}
	}

	e.mux.Lock()
	defer e.mux.Unlock()
	conv, ok := e.conversations[key]
	if !ok {
		conv = &conversation{
			key:        key,
			target:     target,
			isGroup:    isGroup,
			optimistic: make(map[string]struct{}),
		}
		e.conversations[key] = conv
	}
	return conv, nil
}

// Messages returns the published timeline of a conversation.
func (e *Engine) Messages(target string, isGroup bool) ([]models.Message, error) {
	conv, err := e.conversation(target, isGroup)
	if err != nil {
		return nil, err
	}
	conv.mux.Lock()
	defer conv.mux.Unlock()
	return cloneMessages(conv.published), nil
}

// ResetConversation forgets everything known about a conversation except
// messages still awaiting confirmation, and deletes its archive. It returns
// the number of archived messages removed.
func (e *Engine) ResetConversation(target string, isGroup bool) (int64, error) {
	conv, err := e.conversation(target, isGroup)
	if err != nil {
		return 0, err
	}
	if !conv.syncing.CompareAndSwap(false, true) {
		return 0, ErrConversationBusy
	}
	defer conv.syncing.Store(false)

	conv.mux.Lock()
	var keep []models.Message
	for _, m := range conv.timeline {
		if _, ok := conv.optimistic[m.MessageID]; ok {
			keep = append(keep, m)
		}
	}
	conv.timeline = keep
	conv.hasEarliest = false
	conv.earliest = 0
	e.cache.Invalidate(conv.key)
	e.publish(conv, cloneMessages(keep))
	conv.mux.Unlock()

	if e.archive == nil {
		return 0, nil
	}
	removed, err := e.archive.DeleteConversation(conv.key)
	if err != nil {
		return 0, errors.Wrapf(err, "reset %s", conv.key)
	}
	jww.INFO.Printf("[CHAT] reset %s, %d archived messages removed", conv.key, removed)
	return removed, nil
}

// Subscribe returns a channel of timeline updates and a function that ends the
// subscription. Updates are dropped for subscribers that fall behind.
func (e *Engine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, updateBuffer)

	e.subMux.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMux.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMux.Lock()
			delete(e.subs, id)
			e.subMux.Unlock()
			close(ch)
		})
	}
}

// publish replaces the visible timeline of conv and notifies subscribers.
// conv.mux must be held.
func (e *Engine) publish(conv *conversation, messages []models.Message) {
	conv.published = messages
	update := Update{
		ConversationKey: conv.key,
		Target:          conv.target,
		IsGroup:         conv.isGroup,
		Messages:        cloneMessages(messages),
	}

	e.subMux.Lock()
	defer e.subMux.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- update:
		default:
			jww.DEBUG.Printf("[CHAT] subscriber %d is behind, dropped update for %s", id, conv.key)
		}
	}
}

// SyncMessages refreshes a conversation from the chain, or from the cache when
// it is fresh, and publishes its most recent page. A call arriving while the
// same conversation is already syncing returns nil without doing anything.
func (e *Engine) SyncMessages(ctx context.Context, target string, isGroup bool) error {
	conv, err := e.conversation(target, isGroup)
	if err != nil {
		return err
	}
	if !conv.syncing.CompareAndSwap(false, true) {
		jww.DEBUG.Printf("[CHAT] sync of %s already in flight", conv.key)
		return nil
	}
	defer conv.syncing.Store(false)

	start := time.Now()
	err = e.syncMessages(ctx, conv)
	metrics.ObserveSync("sync", start, err)
	return err
}

func (e *Engine) syncMessages(ctx context.Context, conv *conversation) error {
	if entry, ok := e.cache.Get(conv.key); ok {
		metrics.CacheLookup(true)
		conv.mux.Lock()
		e.publish(conv, lastN(e.overlay(conv, entry.Data), e.pageSize))
		conv.mux.Unlock()
		return nil
	}
	metrics.CacheLookup(false)

	if e.client == nil {
		return ErrPublicClientUnavailable
	}

	latest, err := e.blockNumber(ctx)
	if err != nil {
		return err
	}
	from := windowStart(latest, e.maxBlockRange)
	fetched, err := e.fetchWindow(ctx, conv, from, latest)
	if err != nil {
		return err
	}

	conv.mux.Lock()
	timeline := mergeMessages(fetched, e.unconfirmed(conv, fetched))
	conv.timeline = timeline
	conv.hasEarliest = true
	conv.earliest = from
	e.cache.Put(conv.key, timeline)
	e.publish(conv, lastN(timeline, e.pageSize))
	conv.mux.Unlock()

	jww.INFO.Printf("[CHAT] synced %s: %d messages from blocks %d-%d",
		conv.key, len(timeline), from, latest)
	e.persist(conv.key, timeline)
	return nil
}

// unconfirmed returns the optimistic messages of conv that fetched does not
// supersede, and forgets the superseded ones. conv.mux must be held.
func (e *Engine) unconfirmed(conv *conversation, fetched []models.Message) []models.Message {
	onChain := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		if m.TxHash != "" {
			onChain[strings.ToLower(m.TxHash)] = struct{}{}
		}
	}

	var keep []models.Message
	for _, m := range conv.timeline {
		if _, ok := conv.optimistic[m.MessageID]; !ok {
			continue
		}
		if _, ok := onChain[strings.ToLower(m.TxHash)]; ok && m.TxHash != "" {
			delete(conv.optimistic, m.MessageID)
			continue
		}
		keep = append(keep, m)
	}
	return keep
}

// overlay lays the local state of conv over cached messages: confirmations
// recorded in conv.timeline win over cached statuses, and optimistic messages
// the cache predates are added. conv.mux must be held.
func (e *Engine) overlay(conv *conversation, cached []models.Message) []models.Message {
	current := make(map[string]models.Message, len(conv.timeline))
	for _, m := range conv.timeline {
		current[m.MessageID] = m
	}
	out := cloneMessages(cached)
	for i := range out {
		if m, ok := current[out[i].MessageID]; ok && !m.IsPending() {
			out[i].Status = m.Status
		}
	}
	return mergeMessages(out, e.unconfirmed(conv, out))
}

// LoadMoreMessages extends a conversation one window further into the past and
// publishes the merged timeline. Failures are logged and leave the state
// untouched. It reports whether older blocks remain.
func (e *Engine) LoadMoreMessages(ctx context.Context, target string, isGroup bool) bool {
	conv, err := e.conversation(target, isGroup)
	if err != nil {
		jww.WARN.Printf("[CHAT] load more: %v", err)
		return false
	}

	conv.mux.Lock()
	hasEarliest, earliest := conv.hasEarliest, conv.earliest
	conv.mux.Unlock()
	if hasEarliest && earliest == 0 {
		return false
	}
	if !conv.syncing.CompareAndSwap(false, true) {
		jww.DEBUG.Printf("[CHAT] load more of %s skipped, sync in flight", conv.key)
		return true
	}
	defer conv.syncing.Store(false)

	start := time.Now()
	more, err := e.loadMore(ctx, conv, hasEarliest, earliest)
	metrics.ObserveSync("load_more", start, err)
	if err != nil {
		jww.WARN.Printf("[CHAT] load more of %s failed: %v", conv.key, err)
		return !hasEarliest || earliest > 0
	}
	return more
}

func (e *Engine) loadMore(ctx context.Context, conv *conversation, hasEarliest bool, earliest uint64) (bool, error) {
	if e.client == nil {
		return false, ErrPublicClientUnavailable
	}
	if !hasEarliest {
		latest, err := e.blockNumber(ctx)
		if err != nil {
			return false, err
		}
		earliest = latest + 1
	}

	to := earliest - 1
	from := windowStart(earliest, e.loadMoreBlocks)
	older, err := e.fetchWindow(ctx, conv, from, to)
	if err != nil {
		return false, err
	}

	conv.mux.Lock()
	base := conv.timeline
	if entry, ok := e.cache.Peek(conv.key); ok {
		base = mergeMessages(entry.Data, base)
	}
	merged := mergeMessages(mergeMessages(older, base), conv.published)
	conv.timeline = merged
	conv.hasEarliest = true
	conv.earliest = from
	e.cache.Put(conv.key, merged)
	e.publish(conv, cloneMessages(merged))
	conv.mux.Unlock()

	jww.INFO.Printf("[CHAT] loaded %d older messages of %s from blocks %d-%d",
		len(older), conv.key, from, to)
	e.persist(conv.key, older)
	return from > 0, nil
}

// FetchOlderMessages returns the messages of a conversation sent before the
// given unix timestamp, merged with those already held. Failures are logged and
// yield an empty slice.
func (e *Engine) FetchOlderMessages(ctx context.Context, target string, isGroup bool, before int64) []models.Message {
	conv, err := e.conversation(target, isGroup)
	if err != nil {
		jww.WARN.Printf("[CHAT] fetch older: %v", err)
		return []models.Message{}
	}

	key := beforeKey(conv.key, before)
	if entry, ok := e.cache.Get(key); ok {
		metrics.CacheLookup(true)
		return entry.Data
	}
	metrics.CacheLookup(false)

	start := time.Now()
	older, err := e.fetchOlder(ctx, conv, key, before)
	metrics.ObserveSync("fetch_older", start, err)
	if err != nil {
		jww.WARN.Printf("[CHAT] fetch older of %s before %d failed: %v", conv.key, before, err)
		return []models.Message{}
	}
	return older
}

func (e *Engine) fetchOlder(ctx context.Context, conv *conversation, key string, before int64) ([]models.Message, error) {
	if e.client == nil {
		return nil, ErrPublicClientUnavailable
	}
	latest, err := e.blockNumber(ctx)
	if err != nil {
		return nil, err
	}
	fetched, err := e.fetchWindow(ctx, conv, windowStart(latest, e.maxBlockRange), latest)
	if err != nil {
		return nil, err
	}

	conv.mux.Lock()
	older := mergeMessages(olderThan(conv.timeline, before), olderThan(fetched, before))
	conv.timeline = mergeMessages(conv.timeline, older)
	e.cache.Put(key, older)
	e.cache.Put(conv.key, conv.timeline)
	conv.mux.Unlock()

	e.persist(conv.key, older)
	return cloneMessages(older), nil
}

// SendMessage encrypts content for the conversation with recipient and submits
// it from the session account. The message is visible as pending as soon as
// this returns; confirmation runs in the background (see Confirmation).
func (e *Engine) SendMessage(ctx context.Context, content, recipient string, isGroup bool) (string, error) {
	if e.wallet == nil || e.wallet.Key == nil {
		return "", ErrWalletNotConnected
	}
	if e.client == nil {
		return "", ErrPublicClientUnavailable
	}
	if e.keys == nil {
		return "", ErrSessionUnavailable
	}
	session, err := e.keys.SessionAccount(e.wallet.Address)
	if err != nil {
		return "", err
	}
	conv, err := e.conversation(recipient, isGroup)
	if err != nil {
		return "", err
	}

	passphrase, err := e.keys.ConversationPassphrase(e.wallet.Address, conv.target)
	if err != nil {
		return "", errors.Wrap(err, "conversation passphrase")
	}
	ciphertext, err := crypto.Encrypt(content, passphrase)
	if err != nil {
		return "", errors.Wrap(ErrEncryption, err.Error())
	}

	msg := models.Message{
		MessageID:  uuid.NewString(),
		Sender:     session.Address,
		Recipient:  conv.target,
		MainWallet: e.wallet.Address,
		Content:    content,
		Timestamp:  e.clock.Now().Unix(),
		Status:     models.StatusPending,
	}
	e.insertOptimistic(conv, msg)

	method, args := chain.MethodSendMessage, []any{conv.target, ciphertext, e.wallet.Address}
	if isGroup {
		method, args = chain.MethodSendGroupMessage, []any{conv.target, ciphertext}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.removeOptimistic(conv, msg.MessageID)
		return "", err
	}
	start := time.Now()
	txHash, err := e.client.Write(ctx, session.PrivateKey, method, args...)
	metrics.ObserveRPC(method, start, err)
	metrics.IncSend(isGroup, err)
	if err != nil {
		e.removeOptimistic(conv, msg.MessageID)
		return "", errors.Wrapf(err, "%s", method)
	}

	e.updateMessages(conv, func(m *models.Message) bool {
		if m.MessageID != msg.MessageID {
			return false
		}
		m.TxHash = txHash
		return true
	})
	e.cache.Invalidate(conv.key)
	jww.INFO.Printf("[CHAT] sent %s to %s in %s", logging.Preview(content), conv.target, txHash)

	e.trackConfirmation(conv, txHash)
	return txHash, nil
}

func (e *Engine) insertOptimistic(conv *conversation, msg models.Message) {
	conv.mux.Lock()
	defer conv.mux.Unlock()
	conv.optimistic[msg.MessageID] = struct{}{}
	conv.timeline = mergeMessages(conv.timeline, []models.Message{msg})
	e.publish(conv, mergeMessages(conv.published, []models.Message{msg}))
}

func (e *Engine) removeOptimistic(conv *conversation, id string) {
	conv.mux.Lock()
	defer conv.mux.Unlock()
	delete(conv.optimistic, id)
	drop := func(in []models.Message) []models.Message {
		out := make([]models.Message, 0, len(in))
		for _, m := range in {
			if m.MessageID != id {
				out = append(out, m)
			}
		}
		return out
	}
	conv.timeline = drop(conv.timeline)
	e.cache.Invalidate(conv.key)
	e.publish(conv, drop(conv.published))
}

// updateMessages applies fn to every held message of conv and republishes if
// fn reported a change.
func (e *Engine) updateMessages(conv *conversation, fn func(*models.Message) bool) bool {
	conv.mux.Lock()
	defer conv.mux.Unlock()

	changed := false
	for i := range conv.timeline {
		if fn(&conv.timeline[i]) {
			changed = true
		}
	}
	published := cloneMessages(conv.published)
	for i := range published {
		if fn(&published[i]) {
			changed = true
		}
	}
	if changed {
		e.publish(conv, published)
	}
	return changed
}

// Close cancels outstanding confirmation tasks and waits for them to finish.
func (e *Engine) Close() {
	e.closeOne.Do(func() {
		e.cancel()
		e.tasks.Wait()
	})
}

func (e *Engine) blockNumber(ctx context.Context) (uint64, error) {
	return WithRetry(ctx, e.schedule, "getBlockNumber", func(ctx context.Context) (uint64, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		start := time.Now()
		n, err := e.client.BlockNumber(ctx)
		metrics.ObserveRPC("eth_blockNumber", start, err)
		return n, err
	})
}

// fetchWindow fetches and projects the conversation's logs in [from, to].
func (e *Engine) fetchWindow(ctx context.Context, conv *conversation, from, to uint64) ([]models.Message, error) {
	event := chain.EventFor(conv.isGroup)
	logs, err := WithRetry(ctx, e.schedule, "getLogs", func(ctx context.Context) ([]chain.RawLog, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		logs, err := e.client.GetLogs(ctx, event, from, to)
		metrics.ObserveRPC("eth_getLogs", start, err)
		return logs, err
	})
	if err != nil {
		return nil, err
	}

	messages := e.projector.Project(logs, e.Viewer(), conv.target, conv.isGroup, nil)
	sortMessages(messages)
	return messages, nil
}

func (e *Engine) persist(key string, messages []models.Message) {
	if e.archive == nil || len(messages) == 0 {
		return
	}
	if err := e.archive.SaveMessages(key, messages); err != nil {
		jww.WARN.Printf("[CHAT] archiving %d messages of %s failed: %v", len(messages), key, err)
	}
}

// windowStart returns end-span clamped at block 0.
func windowStart(end, span uint64) uint64 {
	if end < span {
		return 0
	}
	return end - span
}
