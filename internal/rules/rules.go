// Package rules evaluates incoming text messages against the commander rule
// table and produces automatic replies. It also hosts the chat relay: a
// trigger command (or chatbot mode) forwards the message to the chat
// collaborator and radios the answer back.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/metrastics/meshwatch/internal/chat"
	"github.com/metrastics/meshwatch/internal/db"
	"github.com/metrastics/meshwatch/internal/device"
	"github.com/metrastics/meshwatch/internal/models"
	"github.com/metrastics/meshwatch/internal/supervisor"
)

// Incoming is a text message under evaluation. Timestamp is the packet's
// receive time in epoch seconds, zero when unknown.
type Incoming struct {
	SenderID     string
	Text         string
	ChannelIndex *int
	Timestamp    float64
}

// SendFunc transmits a reply, normally through the send gateway.
type SendFunc func(text, destinationID string, channelIndex *int) error

// Options wires the engine. Clock is injectable for tests and defaults to
// time.Now.
type Options struct {
	DB               *gorm.DB
	Send             SendFunc
	Snapshot         func() supervisor.Snapshot
	Chat             *chat.Client
	TriggerCommand   string
	MaxMessageLength int
	Clock            func() time.Time
}

type Engine struct {
	opts Options

	// mu serializes evaluation so two packets cannot race past the same
	// cooldown check.
	mu sync.Mutex

	// cooldowns caches each rule's per-sender last-trigger time, seeded
	// from the persisted ledger on first use.
	cooldowns map[uint]map[string]time.Time
}

func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		opts:      opts,
		cooldowns: make(map[uint]map[string]time.Time),
	}
}

// HandleMessage runs the full reply pipeline for one incoming text message.
// Messages from the local node are ignored to avoid reply loops.
func (e *Engine) HandleMessage(ctx context.Context, msg Incoming) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.SenderID == "" || strings.TrimSpace(msg.Text) == "" {
		return
	}
	snap := e.opts.Snapshot()
	if msg.SenderID == snap.NodeID {
		return
	}

	if e.handleChat(ctx, msg) {
		return
	}
	e.evaluateRules(msg, snap)
}

// handleChat serves the trigger command and chatbot mode. It reports whether
// the message was consumed by the chat path.
func (e *Engine) handleChat(ctx context.Context, msg Incoming) bool {
	trigger := e.opts.TriggerCommand
	text := strings.TrimSpace(msg.Text)

	var query string
	switch {
	case trigger != "" && strings.HasPrefix(strings.ToLower(text), strings.ToLower(trigger)):
		query = strings.TrimSpace(text[len(trigger):])
		if query == "" {
			e.reply(fmt.Sprintf("Usage: %s <question>", trigger), msg)
			return true
		}
	case e.chatbotModeEnabled():
		query = text
	default:
		return false
	}

	if e.opts.Chat == nil || !e.opts.Chat.Enabled() {
		e.reply("Chat is not configured on this node.", msg)
		return true
	}

	answer, err := e.opts.Chat.Complete(ctx, query)
	if err != nil {
		log.Printf("rules: chat completion failed: %v", err)
		e.reply(chatErrorReply(err), msg)
		return true
	}
	e.reply(answer, msg)
	return true
}

func chatErrorReply(err error) string {
	var rateErr *chat.RateLimitError
	if errors.As(err, &rateErr) {
		return "Chat is rate limited right now, try again soon."
	}
	return "Chat service is unavailable right now."
}

func (e *Engine) chatbotModeEnabled() bool {
	settings, err := db.CommanderSettings(e.opts.DB)
	if err != nil {
		log.Printf("rules: load settings: %v", err)
		return false
	}
	return settings.ChatbotModeEnabled
}

// evaluateRules walks the enabled rules in priority order and fires the first
// one that matches and is off cooldown for this sender.
func (e *Engine) evaluateRules(msg Incoming, snap supervisor.Snapshot) {
	var ruleSet []models.CommanderRule
	err := e.opts.DB.
		Where("enabled = ?", true).
		Order("priority asc").
		Order("name asc").
		Find(&ruleSet).Error
	if err != nil {
		log.Printf("rules: load rules: %v", err)
		return
	}

	now := e.opts.Clock()
	for i := range ruleSet {
		rule := &ruleSet[i]
		if !matches(rule, msg.Text) {
			continue
		}
		if e.onCooldown(rule, msg.SenderID, now) {
			log.Printf("rules: %q suppressed for %s (cooldown)", rule.Name, msg.SenderID)
			continue
		}

		response := e.render(rule.ResponseTemplate, msg, snap, now)
		if err := e.sendReply(response, msg); err != nil {
			log.Printf("rules: %q reply to %s failed: %v", rule.Name, msg.SenderID, err)
			return
		}
		e.recordTrigger(rule, msg.SenderID, now)
		log.Printf("rules: %q replied to %s", rule.Name, msg.SenderID)
		return
	}
}

func matches(rule *models.CommanderRule, text string) bool {
	trigger := rule.TriggerPhrase
	if trigger == "" {
		return false
	}

	switch rule.MatchType {
	case models.MatchExact:
		// Whole string, case-sensitive.
		return text == trigger
	case models.MatchStartsWith:
		return strings.HasPrefix(strings.ToLower(text), strings.ToLower(trigger))
	case models.MatchRegex:
		re, err := regexp.Compile("(?i)" + trigger)
		if err != nil {
			log.Printf("rules: %q has invalid regex %q: %v", rule.Name, trigger, err)
			return false
		}
		return re.MatchString(text)
	default:
		return strings.Contains(strings.ToLower(text), strings.ToLower(trigger))
	}
}

// onCooldown reports whether sender triggered rule within its cooldown
// window, seeding the in-process ledger from the persisted one on first
// sight of the rule.
func (e *Engine) onCooldown(rule *models.CommanderRule, senderID string, now time.Time) bool {
	if rule.CooldownSeconds == 0 {
		return false
	}

	ledger, ok := e.cooldowns[rule.ID]
	if !ok {
		ledger = loadLedger(rule.LastTriggered)
		e.cooldowns[rule.ID] = ledger
	}

	last, ok := ledger[senderID]
	if !ok {
		return false
	}
	return now.Sub(last) < time.Duration(rule.CooldownSeconds)*time.Second
}

// recordTrigger updates the in-process ledger and persists it. Only called
// after a successful send, so a failed reply never burns the cooldown.
// Cooldown-free rules keep no ledger at all.
func (e *Engine) recordTrigger(rule *models.CommanderRule, senderID string, now time.Time) {
	if rule.CooldownSeconds == 0 {
		return
	}
	ledger := e.cooldowns[rule.ID]
	if ledger == nil {
		ledger = make(map[string]time.Time)
		e.cooldowns[rule.ID] = ledger
	}
	ledger[senderID] = now

	persisted := make(map[string]string, len(ledger))
	for sender, at := range ledger {
		persisted[sender] = at.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(persisted)
	if err != nil {
		return
	}
	err = e.opts.DB.Model(&models.CommanderRule{}).
		Where("id = ?", rule.ID).
		Update("last_triggered", string(raw)).Error
	if err != nil {
		log.Printf("rules: persist cooldown ledger for %q: %v", rule.Name, err)
	}
}

// loadLedger parses a persisted cooldown ledger. Unparseable entries are
// dropped, which only shortens a cooldown across restarts.
func loadLedger(raw string) map[string]time.Time {
	ledger := make(map[string]time.Time)
	if raw == "" {
		return ledger
	}
	var persisted map[string]string
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		return ledger
	}
	for sender, stamp := range persisted {
		at, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			continue
		}
		ledger[sender] = at
	}
	return ledger
}

func (e *Engine) reply(text string, msg Incoming) {
	if err := e.sendReply(text, msg); err != nil {
		log.Printf("rules: reply to %s failed: %v", msg.SenderID, err)
	}
}

func (e *Engine) sendReply(text string, msg Incoming) error {
	text = device.TruncateText(text, e.opts.MaxMessageLength)
	return e.opts.Send(text, msg.SenderID, msg.ChannelIndex)
}
