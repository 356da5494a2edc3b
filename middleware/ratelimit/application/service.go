package application

import (
	"fmt"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

// AdmissionService concentra a regra de aplicação do controle de admissão.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Evaluate é síncrono e só lê/escreve memória; a persistência das entradas
// automáticas é delegada ao Writer.
type AdmissionService struct {
	Rules     RuleSet
	Blacklist Blacklist
	Counters  Counters
	// Writer é opcional; sem ele as entradas automáticas ficam só em memória.
	Writer AutoEntrySink
	Log    logrus.FieldLogger
	Now    func() time.Time
}

var _ domain.Evaluator = (*AdmissionService)(nil)

func (s *AdmissionService) log() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

func (s *AdmissionService) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *AdmissionService) Evaluate(key domain.RequestKey) domain.Decision {
	now := s.now()
	allow := domain.Decision{Outcome: domain.OutcomeAllow, Remaining: -1}

	if key.IP != "" && s.Blacklist != nil {
		if e, blocked := s.Blacklist.Lookup(key.IP); blocked {
			dec := domain.Decision{Outcome: domain.OutcomeReject, Reason: domain.ReasonBlacklisted}
			if e.ExpiresAt != nil {
				dec.RetryAfter = e.ExpiresAt.Sub(now)
			}
			return dec
		}
	}
	if s.Rules == nil || s.Counters == nil {
		return allow
	}

	for rule := range s.Rules.AllEnabled() {
		scopeKey, ok := key.ScopeKey(rule.Scope)
		if !ok {
			continue
		}

		res, err := s.check(rule, scopeKey, now)
		if err != nil {
			s.log().WithFields(logrus.Fields{"rule": rule.Code, "scope": scopeKey}).
				WithError(err).Warn("counter check failed, allowing")
			continue
		}
		if !res.Allowed {
			r := rule
			dec := domain.Decision{
				Outcome:    domain.OutcomeReject,
				Reason:     domain.ReasonRateLimited,
				Rule:       &r,
				Remaining:  0,
				RetryAfter: res.RetryAfter,
			}
			if rule.Action == domain.ActionRejectAndBlacklist {
				s.autoBlacklist(key, rule, now)
			}
			return dec
		}
		if allow.Remaining < 0 || res.Remaining < allow.Remaining {
			allow.Remaining = res.Remaining
		}
	}
	return allow
}

// check isola o CounterEngine: pânico vira erro e a regra é tratada como não violada.
func (s *AdmissionService) check(rule domain.Rule, scopeKey string, now time.Time) (res domain.CheckResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("counter panic: %v", p)
		}
	}()
	return s.Counters.Check(rule.Code, scopeKey, rule, now)
}

func (s *AdmissionService) autoBlacklist(key domain.RequestKey, rule domain.Rule, now time.Time) {
	if key.IP == "" || s.Blacklist == nil {
		return
	}
	ip, err := domain.NormalizeIP(key.IP)
	if err != nil {
		s.log().WithField("ip", key.IP).WithError(err).Warn("cannot blacklist malformed ip")
		return
	}
	e := domain.Entry{
		IP:       ip,
		Source:   domain.SourceAuto,
		Status:   domain.EntryActive,
		Reason:   fmt.Sprintf("rule %s exceeded: %d requests per %ds", rule.Code, rule.Limit, rule.WindowSeconds),
		RuleCode: rule.Code,
	}
	if d := rule.BlacklistDuration(); d > 0 {
		exp := now.Add(d)
		e.ExpiresAt = &exp
	}

	fields := logrus.Fields{"rule": rule.Code, "ip": key.IP}
	if err := s.Blacklist.Add(e); err != nil {
		s.log().WithFields(fields).WithError(err).Warn("auto blacklist rejected")
		return
	}
	s.log().WithFields(fields).Info("ip auto blacklisted")

	if s.Writer != nil && !s.Writer.Enqueue(e) {
		s.log().WithFields(fields).Warn("blacklist writer queue full, entry kept in memory only")
	}
}
