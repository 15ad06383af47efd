package payment

import (
	"fmt"
	"strings"
)

// Provider enumerates the supported mobile-money gateways. The set is
// closed: adding a provider is a code change because each one also
// changes the downstream gateway payload shape.
type Provider string

const (
	ProviderMPESA  Provider = "MPESA"
	ProviderMTN    Provider = "MTN"
	ProviderAirtel Provider = "AIRTEL"
	ProviderTigo   Provider = "TIGO"
)

// providerConfig carries the settlement parameters for one provider.
// The rate is a rational so truncation stays exact in integer math.
type providerConfig struct {
	country         string
	telecom         string
	currency        string
	rateNumerator   int64
	rateDenominator int64
}

var providerConfigs = map[Provider]providerConfig{
	ProviderMPESA:  {country: "KE", telecom: "SAFARICOM", currency: "KES", rateNumerator: 27, rateDenominator: 100},
	ProviderMTN:    {country: "UG", telecom: "MTN", currency: "UGX", rateNumerator: 1, rateDenominator: 1},
	ProviderAirtel: {country: "TZ", telecom: "AIRTEL", currency: "TZS", rateNumerator: 63, rateDenominator: 100},
	ProviderTigo:   {country: "TZ", telecom: "TIGO", currency: "TZS", rateNumerator: 63, rateDenominator: 100},
}

// ParseProvider validates and normalizes a provider name.
func ParseProvider(raw string) (Provider, error) {
	candidate := Provider(strings.ToUpper(strings.TrimSpace(raw)))
	if _, known := providerConfigs[candidate]; !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
	return candidate, nil
}

// String returns the provider name.
func (provider Provider) String() string {
	return string(provider)
}

// Conversion is the settlement view of a base-currency amount.
type Conversion struct {
	LocalAmount   int64
	LocalCurrency string
	Country       string
	Telecom       string
}

// Convert maps a base-currency amount to the provider's settlement
// currency. Rounding is always truncation toward zero, never up: the
// rate is applied as local = base * numerator / denominator in integer
// arithmetic. Callers snapshot the result into the Purchase row so a
// later rate change never moves a pending purchase's amount.
func Convert(baseAmount int64, provider Provider) (Conversion, error) {
	if baseAmount <= 0 {
		return Conversion{}, fmt.Errorf("%w: base amount %d", ErrInvalidAmount, baseAmount)
	}
	config, known := providerConfigs[provider]
	if !known {
		return Conversion{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return Conversion{
		LocalAmount:   baseAmount * config.rateNumerator / config.rateDenominator,
		LocalCurrency: config.currency,
		Country:       config.country,
		Telecom:       config.telecom,
	}, nil
}
