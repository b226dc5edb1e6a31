package amount

import "fmt"

// Balances is a pair of channel balances. Outside of a mid-session
// transition the sum of the two equals the total escrowed funds.
type Balances struct {
	Customer Amount `json:"customer"`
	Merchant Amount `json:"merchant"`
}

// Total returns the sum of the two balances.
func (b Balances) Total() (Amount, error) {
	return b.Customer.Add(b.Merchant)
}

// Validate checks that both balances are non-negative amounts of the same
// currency.
func (b Balances) Validate() error {
	if b.Customer.Currency != b.Merchant.Currency {
		return ErrCurrencyMismatch
	}
	if b.Customer.IsNegative() {
		return fmt.Errorf("customer balance: %w", ErrNegative)
	}
	if b.Merchant.IsNegative() {
		return fmt.Errorf("merchant balance: %w", ErrNegative)
	}
	return nil
}

// ApplyPayment shifts pay from the customer balance to the merchant
// balance. A negative pay is a refund from merchant to customer. It fails
// if either resulting balance would be negative, leaving b unchanged.
func (b Balances) ApplyPayment(pay Amount) (Balances, error) {
	newCustomer, err := b.Customer.Sub(pay)
	if err != nil {
		return Balances{}, err
	}
	newMerchant, err := b.Merchant.Add(pay)
	if err != nil {
		return Balances{}, err
	}
	updated := Balances{Customer: newCustomer, Merchant: newMerchant}
	if err := updated.Validate(); err != nil {
		return Balances{}, fmt.Errorf("payment over commits: %w", err)
	}
	return updated, nil
}
