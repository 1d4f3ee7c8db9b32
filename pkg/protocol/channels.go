package protocol

import (
	"fmt"

	"github.com/ordersaga/ordersaga/pkg/saga"
)

// DefaultPrefix is the default channel namespace.
const DefaultPrefix = "ordersaga"

// Domain is the participant service that owns a step.
type Domain string

const (
	DomainInventory Domain = "inventory"
	DomainCoupon    Domain = "coupon"
	DomainWallet    Domain = "wallet"
	DomainPayment   Domain = "payment"
)

// Domains lists every domain with request/reply channels.
var Domains = []Domain{DomainInventory, DomainCoupon, DomainWallet, DomainPayment}

var stepDomains = map[saga.Step]Domain{
	saga.StepInventory: DomainInventory,
	saga.StepCoupon:    DomainCoupon,
	saga.StepPoints:    DomainWallet,
	saga.StepPayment:   DomainPayment,
}

// DomainOf returns the domain that executes step.
func DomainOf(step saga.Step) (Domain, bool) {
	d, ok := stepDomains[step]
	return d, ok
}

// Channels names the request and reply channel of each domain.
type Channels struct {
	Prefix string
}

// Request is <prefix>.<domain>.request.
func (c Channels) Request(d Domain) string {
	return fmt.Sprintf("%s.%s.request", c.prefix(), d)
}

// Reply is <prefix>.<domain>.reply.
func (c Channels) Reply(d Domain) string {
	return fmt.Sprintf("%s.%s.reply", c.prefix(), d)
}

// For returns the channel a message of type t travels on.
func (c Channels) For(t Type) (string, error) {
	info, ok := Describe(t)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	d := stepDomains[info.Step]
	if info.Reply {
		return c.Reply(d), nil
	}
	return c.Request(d), nil
}

// ReplyChannels returns the reply channel of every domain.
func (c Channels) ReplyChannels() []string {
	out := make([]string, 0, len(Domains))
	for _, d := range Domains {
		out = append(out, c.Reply(d))
	}
	return out
}

func (c Channels) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}
