package annotation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// Rate 是每千 token 的价格。
type Rate struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// Pricing 按模型名查价格。未知模型按 fallback 计价，
// 带日期的版本（gpt-4-turbo-2024-04-09）取最长匹配前缀。
type Pricing struct {
	rates    map[string]Rate
	fallback string
}

func NewPricing(rates map[string]Rate, fallback string) (*Pricing, error) {
	if _, ok := rates[fallback]; !ok {
		return nil, fmt.Errorf("pricing: fallback model %q has no rate", fallback)
	}
	cp := make(map[string]Rate, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	return &Pricing{rates: cp, fallback: fallback}, nil
}

// ParseRate 从十进制字符串构建价格。
func ParseRate(inputPer1K, outputPer1K string) (Rate, error) {
	in, err := decimal.NewFromString(inputPer1K)
	if err != nil {
		return Rate{}, fmt.Errorf("input rate: %w", err)
	}
	out, err := decimal.NewFromString(outputPer1K)
	if err != nil {
		return Rate{}, fmt.Errorf("output rate: %w", err)
	}
	return Rate{InputPer1K: in, OutputPer1K: out}, nil
}

func (p *Pricing) RateFor(model string) Rate {
	if r, ok := p.rates[model]; ok {
		return r
	}
	best := ""
	for name := range p.rates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return p.rates[best]
	}
	return p.rates[p.fallback]
}

func (p *Pricing) Cost(model string, inputTokens, outputTokens int) decimal.Decimal {
	r := p.RateFor(model)
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(r.InputPer1K)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(r.OutputPer1K)
	return in.Add(out)
}
