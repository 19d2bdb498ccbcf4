package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/alertforge/notify-core/internal/domain"
	"go.uber.org/zap"
)

// Result is the routing outcome. Notification carries the rewritten
// channel list, recipient list, and priority; the remaining fields are
// markers for the orchestrator and for observability.
type Result struct {
	Notification *domain.Notification
	Delay        time.Duration
	Escalate     bool
	Suppressed   bool
	Emergency    bool
	MatchedRules []string
}

// Router turns an incoming notification into a concrete delivery plan.
// Route never fails: any internal error or panic degrades to the
// deterministic emergency fallback instead of propagating.
type Router struct {
	mu     sync.RWMutex
	policy *Policy

	logger *zap.Logger
	now    func() time.Time
}

func NewRouter(policy *Policy, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		policy: policy.Normalize(),
		logger: logger,
		now:    time.Now,
	}
}

// Reload swaps the active policy. Invalid policies are rejected so a bad
// hot-reload never degrades routing.
func (r *Router) Reload(policy *Policy) error {
	policy = policy.Normalize()
	if err := policy.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policy = policy
	r.mu.Unlock()
	r.logger.Info("routing policy reloaded",
		zap.Int("rules", len(policy.Rules)),
	)
	return nil
}

func (r *Router) currentPolicy() *Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Route evaluates rules, severity defaults, business hours, and the
// emergency backstop, in that order.
func (r *Router) Route(n *domain.Notification) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("routing panicked, applying emergency fallback",
				zap.Any("panic", rec),
				zap.String("notificationId", n.ID),
			)
			result = r.emergencyResult(r.currentPolicy(), n)
		}
	}()

	policy := r.currentPolicy()
	now := r.now()

	channels, recipients, priority, markers := r.applyRules(policy, n)

	// Channels named on the notification itself apply when no rule
	// contributed any; severity defaults are the final fallback.
	if len(channels) == 0 {
		channels = append(channels, n.Delivery.Channels...)
	}
	if len(channels) == 0 {
		channels = append(channels, policy.SeverityChannels[n.Severity]...)
	}

	// Out-of-hours override replaces business-hours channels wholesale.
	if policy.BusinessHours != nil && !policy.BusinessHours.Contains(now) {
		if len(policy.BusinessHours.OutOfHoursChannels) > 0 {
			channels = append([]domain.Channel(nil), policy.BusinessHours.OutOfHoursChannels...)
		}
	}

	channels = dedupeChannels(channels)
	allRecipients := append(append([]domain.Recipient(nil), n.Recipients...), recipients...)

	emergency := false
	if len(channels) == 0 || len(allRecipients) == 0 {
		r.logger.Warn("routing produced an empty plan, applying emergency fallback",
			zap.String("notificationId", n.ID),
			zap.Int("channels", len(channels)),
			zap.Int("recipients", len(allRecipients)),
		)
		channels = append([]domain.Channel(nil), policy.EmergencyChannels...)
		allRecipients = append([]domain.Recipient(nil), policy.EmergencyContacts...)
		emergency = true
	}

	routed := *n
	routed.Recipients = allRecipients
	routed.Delivery.Channels = channels
	routed.Delivery.Retry = mergeRetry(n.Delivery.Retry, policy.DefaultRetry)
	if priority != 0 {
		routed.Priority = priority.Clamp()
	} else {
		routed.Priority = n.Priority.Clamp()
	}

	return Result{
		Notification: &routed,
		Delay:        markers.delay,
		Escalate:     markers.escalate,
		Suppressed:   markers.suppressed,
		Emergency:    emergency,
		MatchedRules: markers.matched,
	}
}

// EmergencyRoute is the escalation path: it bypasses rules entirely and
// routes to the emergency contacts over the emergency channels.
func (r *Router) EmergencyRoute(n *domain.Notification) Result {
	return r.emergencyResult(r.currentPolicy(), n)
}

func (r *Router) emergencyResult(policy *Policy, n *domain.Notification) Result {
	routed := *n
	routed.Recipients = append([]domain.Recipient(nil), policy.EmergencyContacts...)
	routed.Delivery.Channels = append([]domain.Channel(nil), policy.EmergencyChannels...)
	routed.Delivery.Retry = mergeRetry(n.Delivery.Retry, policy.DefaultRetry)
	routed.Priority = domain.PriorityHighest
	return Result{Notification: &routed, Emergency: true}
}

type ruleMarkers struct {
	delay      time.Duration
	escalate   bool
	suppressed bool
	matched    []string
}

func (r *Router) applyRules(policy *Policy, n *domain.Notification) ([]domain.Channel, []domain.Recipient, domain.Priority, ruleMarkers) {
	rules := make([]domain.RoutingRule, 0, len(policy.Rules))
	for _, rule := range policy.Rules {
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	var (
		channels   []domain.Channel
		recipients []domain.Recipient
		priority   domain.Priority
		markers    ruleMarkers
	)

	for _, rule := range rules {
		if !rule.Matches(n) {
			continue
		}
		markers.matched = append(markers.matched, rule.ID)

		halt := false
		for _, action := range rule.Actions {
			switch action.Type {
			case domain.ActionRouteToChannel:
				if action.Channel.IsValid() {
					channels = append(channels, domain.NormalizeChannel(action.Channel.String()))
				}
			case domain.ActionAddRecipient:
				if action.Recipient != nil {
					recipients = append(recipients, *action.Recipient)
				}
			case domain.ActionSetPriority:
				// Last writer wins across cumulative rule matches.
				priority = action.Priority.Clamp()
			case domain.ActionDelay:
				if action.Delay > markers.delay {
					markers.delay = action.Delay
				}
			case domain.ActionSuppress:
				markers.suppressed = true
				halt = true
			case domain.ActionEscalate:
				markers.escalate = true
			}
		}
		if halt {
			break
		}
	}

	return channels, recipients, priority, markers
}

func dedupeChannels(channels []domain.Channel) []domain.Channel {
	seen := make(map[domain.Channel]struct{}, len(channels))
	out := make([]domain.Channel, 0, len(channels))
	for _, c := range channels {
		c = domain.NormalizeChannel(c.String())
		if !c.IsValid() {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// mergeRetry keeps any per-notification overrides and fills the rest from
// the policy default.
func mergeRetry(override, def domain.RetryPolicy) domain.RetryPolicy {
	def = def.Normalize()
	if override.MaxAttempts <= 0 {
		override.MaxAttempts = def.MaxAttempts
	}
	if override.InitialDelay <= 0 {
		override.InitialDelay = def.InitialDelay
	}
	if override.MaxDelay <= 0 {
		override.MaxDelay = def.MaxDelay
	}
	if override.BackoffMultiplier < 1 {
		override.BackoffMultiplier = def.BackoffMultiplier
	}
	if override.Jitter < 0 {
		override.Jitter = def.Jitter
	}
	return override.Normalize()
}
