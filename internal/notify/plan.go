// Package notify turns deposit workflow transitions into push notifications:
// a pure planning step deciding who hears about a change, and a dispatcher
// that sends the push and prunes dead delivery tokens.
package notify

import (
	"fmt"
	"sort"
	"strings"

	"cashcount/api/internal/counting"
)

type Kind string

const (
	KindIgnore    Kind = "ignore"
	KindInitiated Kind = "deposit_initiated"
	KindVerified  Kind = "deposit_verified"
	KindRejected  Kind = "deposit_rejected"
)

// Permanent per-recipient error codes; tokens failing with these are deleted.
const (
	CodeInvalidToken  = "messaging/invalid-registration-token"
	CodeNotRegistered = "messaging/registration-token-not-registered"
)

// Payload is the application data of a push. Providers pass it through as is.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

func (p Payload) Data() map[string]string {
	return map[string]string{
		"title":     p.Title,
		"body":      p.Body,
		"sessionId": p.SessionID,
		"url":       p.URL,
	}
}

// PushBatch is one multicast send.
type PushBatch struct {
	Kind     Kind
	Actor    string
	Audience []string
	Tokens   []string
	Payload  Payload
}

// Result is the outcome for one token, in the order of PushBatch.Tokens.
type Result struct {
	Token     string
	Delivered bool
	ErrorCode string
	Err       error
}

// Classify names the workflow transition between two versions of a session.
func Classify(before, after *counting.Session) Kind {
	if before == nil || after == nil {
		return KindIgnore
	}
	switch {
	case after.Status == counting.StatusPendingDeposit && before.Status != counting.StatusPendingDeposit:
		return KindInitiated
	case before.Status == counting.StatusPendingDeposit && after.Status == counting.StatusDeposited:
		return KindVerified
	case before.Status == counting.StatusPendingDeposit && after.Status == counting.StatusRecorded:
		return KindRejected
	default:
		return KindIgnore
	}
}

// Actor is the identity that caused the transition. actorID is the
// authenticated writer of the update and wins whenever it is known; the
// document fields are only a fallback for updates that do not carry one.
func Actor(kind Kind, actorID string, after *counting.Session) string {
	if id := counting.NormalizeIdentity(actorID); id != "" {
		return id
	}
	if after == nil {
		return ""
	}
	switch kind {
	case KindInitiated:
		if after.DepositInfo != nil && after.DepositInfo.InitiatedBy != "" {
			return after.DepositInfo.InitiatedBy
		}
	case KindVerified:
		if after.DepositInfo != nil && after.DepositInfo.VerifiedBy != "" {
			return after.DepositInfo.VerifiedBy
		}
	}
	return after.LastUpdatedBy
}

// Audience resolves who is told about a transition: the per-kind base set,
// every active admin, minus the actor. The result is sorted.
func Audience(kind Kind, actorID string, before, after *counting.Session, dir counting.Directory) []string {
	set := make(map[string]struct{})
	add := func(id string) {
		if id = counting.NormalizeIdentity(id); id != "" {
			set[id] = struct{}{}
		}
	}

	switch kind {
	case KindInitiated:
		if after.DepositInfo != nil {
			add(after.DepositInfo.Depositor2)
		}
	case KindVerified:
		if info := after.DepositInfo; info != nil {
			add(info.Depositor1)
			add(info.Depositor2)
		}
	case KindRejected:
		if info := before.DepositInfo; info != nil {
			add(info.InitiatedBy)
			add(info.Depositor1)
			add(info.Depositor2)
		}
	default:
		return nil
	}
	for _, id := range dir.ActiveAdmins() {
		add(id)
	}
	delete(set, counting.NormalizeIdentity(Actor(kind, actorID, after)))

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Plan computes the push for a session update. It reports false when the
// update is not a notifiable transition, the audience is empty or nobody in
// it has a delivery token.
func Plan(before, after *counting.Session, actorID string, members []counting.Member, tokens []counting.DeliveryToken) (PushBatch, bool) {
	kind := Classify(before, after)
	if kind == KindIgnore {
		return PushBatch{Kind: KindIgnore}, false
	}
	dir := counting.NewDirectory(members)
	actor := Actor(kind, actorID, after)
	audience := Audience(kind, actor, before, after, dir)
	batch := PushBatch{Kind: kind, Actor: actor, Audience: audience}
	if len(audience) == 0 {
		return batch, false
	}

	wanted := make(map[string]struct{}, len(audience))
	for _, id := range audience {
		wanted[id] = struct{}{}
	}
	seen := make(map[string]struct{})
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		if _, ok := wanted[counting.NormalizeIdentity(t.OwnerID)]; !ok {
			continue
		}
		if _, dup := seen[t.Token]; dup {
			continue
		}
		seen[t.Token] = struct{}{}
		batch.Tokens = append(batch.Tokens, t.Token)
	}
	if len(batch.Tokens) == 0 {
		return batch, false
	}

	batch.Payload = buildPayload(kind, after, dir.DisplayName(batch.Actor))
	return batch, true
}

func buildPayload(kind Kind, after *counting.Session, actorName string) Payload {
	date := strings.TrimSpace(after.Date)
	if date == "" {
		date = "Unknown date"
	}
	p := Payload{SessionID: after.ID, URL: "/session/" + after.ID}
	switch kind {
	case KindInitiated:
		p.Title = "Deposit Verification Needed"
		p.Body = fmt.Sprintf("%s initiated a deposit for the %s session", actorName, date)
	case KindVerified:
		p.Title = "Deposit Verified"
		p.Body = fmt.Sprintf("%s verified the deposit for the %s session", actorName, date)
	case KindRejected:
		p.Title = "Deposit Rejected"
		p.Body = fmt.Sprintf("%s rejected the deposit for the %s session", actorName, date)
	}
	return p
}

// TokensToRevoke lists tokens whose delivery failed permanently.
func TokensToRevoke(batch PushBatch, results []Result) []string {
	var out []string
	for i, r := range results {
		if r.Delivered {
			continue
		}
		if r.ErrorCode != CodeInvalidToken && r.ErrorCode != CodeNotRegistered {
			continue
		}
		token := r.Token
		if token == "" && i < len(batch.Tokens) {
			token = batch.Tokens[i]
		}
		if token != "" {
			out = append(out, token)
		}
	}
	return out
}
