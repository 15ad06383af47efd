package payment

import (
	"errors"
	"testing"
	"time"
)

func TestConvertTruncatesTowardZero(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name       string
		baseAmount int64
		provider   Provider
		wantAmount int64
		wantCurr   string
	}{
		{name: "mpesa whole", baseAmount: 50000, provider: ProviderMPESA, wantAmount: 13500, wantCurr: "KES"},
		{name: "mpesa fractional floors", baseAmount: 101, provider: ProviderMPESA, wantAmount: 27, wantCurr: "KES"},
		{name: "mtn identity", baseAmount: 12345, provider: ProviderMTN, wantAmount: 12345, wantCurr: "UGX"},
		{name: "airtel", baseAmount: 1000, provider: ProviderAirtel, wantAmount: 630, wantCurr: "TZS"},
		{name: "tigo fractional floors", baseAmount: 999, provider: ProviderTigo, wantAmount: 629, wantCurr: "TZS"},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			conversion, err := Convert(testCase.baseAmount, testCase.provider)
			if err != nil {
				test.Fatalf("convert: %v", err)
			}
			if conversion.LocalAmount != testCase.wantAmount {
				test.Fatalf("expected %d, got %d", testCase.wantAmount, conversion.LocalAmount)
			}
			if conversion.LocalCurrency != testCase.wantCurr {
				test.Fatalf("expected currency %s, got %s", testCase.wantCurr, conversion.LocalCurrency)
			}
		})
	}
}

func TestConvertRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	for _, amount := range []int64{0, -1} {
		if _, err := Convert(amount, ProviderMPESA); !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestParseProviderNormalizes(test *testing.T) {
	test.Parallel()
	provider, err := ParseProvider("  mpesa ")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if provider != ProviderMPESA {
		test.Fatalf("expected MPESA, got %s", provider)
	}
	if _, err := ParseProvider("VODACOM"); !errors.Is(err, ErrUnknownProvider) {
		test.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestConvertCarriesGatewayRouting(test *testing.T) {
	test.Parallel()
	conversion, err := Convert(100, ProviderMPESA)
	if err != nil {
		test.Fatalf("convert: %v", err)
	}
	if conversion.Country != "KE" || conversion.Telecom != "SAFARICOM" {
		test.Fatalf("unexpected routing: %+v", conversion)
	}
}

func TestPricingHolderReplaceIsVisible(test *testing.T) {
	test.Parallel()
	initial := mustPricing(test, 100, 10*time.Minute)
	holder := NewPricingHolder(initial)
	if holder.UnitPrice() != 100 {
		test.Fatalf("expected unit price 100, got %d", holder.UnitPrice())
	}
	holder.Replace(mustPricing(test, 250, 20*time.Minute))
	current := holder.Current()
	if current.UnitPriceCents != 250 || current.PurchaseExpiry != 20*time.Minute {
		test.Fatalf("expected replaced snapshot, got %+v", current)
	}
}

func TestNewPricingRejectsNonPositive(test *testing.T) {
	test.Parallel()
	if _, err := NewPricing(0, time.Minute); !errors.Is(err, ErrInvalidPricing) {
		test.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
	if _, err := NewPricing(100, 0); !errors.Is(err, ErrInvalidPricing) {
		test.Fatalf("expected ErrInvalidPricing, got %v", err)
	}
}

func mustPricing(test *testing.T, unitPriceCents int64, expiry time.Duration) Pricing {
	test.Helper()
	pricing, err := NewPricing(unitPriceCents, expiry)
	if err != nil {
		test.Fatalf("pricing: %v", err)
	}
	return pricing
}
