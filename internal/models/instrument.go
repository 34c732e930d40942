package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultSecType  = "STK"
	DefaultExchange = "SMART"
	DefaultCurrency = "USD"
)

// InstrumentDescriptor is the natural identity of an instrument.
type InstrumentDescriptor struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	SecType  string `json:"secType" yaml:"sec_type"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Currency string `json:"currency" yaml:"currency"`
}

// Normalized upper-cases the descriptor and fills in defaults for empty fields.
func (d InstrumentDescriptor) Normalized() InstrumentDescriptor {
	out := InstrumentDescriptor{
		Symbol:   strings.ToUpper(strings.TrimSpace(d.Symbol)),
		SecType:  strings.ToUpper(strings.TrimSpace(d.SecType)),
		Exchange: strings.ToUpper(strings.TrimSpace(d.Exchange)),
		Currency: strings.ToUpper(strings.TrimSpace(d.Currency)),
	}
	if out.SecType == "" {
		out.SecType = DefaultSecType
	}
	if out.Exchange == "" {
		out.Exchange = DefaultExchange
	}
	if out.Currency == "" {
		out.Currency = DefaultCurrency
	}
	return out
}

func (d InstrumentDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", d.Symbol, d.SecType, d.Exchange, d.Currency)
}

type Instrument struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	SecType    string    `json:"secType"`
	Exchange   string    `json:"exchange"`
	Currency   string    `json:"currency"`
	ContractID *string   `json:"contractId,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (i *Instrument) Descriptor() InstrumentDescriptor {
	return InstrumentDescriptor{
		Symbol:   i.Symbol,
		SecType:  i.SecType,
		Exchange: i.Exchange,
		Currency: i.Currency,
	}
}

// ContractCandidate is one upstream search hit.
type ContractCandidate struct {
	ContractID  string `json:"contractId"`
	Symbol      string `json:"symbol"`
	SecType     string `json:"secType"`
	Exchange    string `json:"exchange"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
}
