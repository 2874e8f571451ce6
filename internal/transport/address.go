package transport

import (
	"fmt"
	"net/mail"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// validate is safe for concurrent use and caches rule parsing.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError reports an address string that the transport refuses.
type ValidationError struct {
	Address string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid email address %q", e.Address)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Address is a validated mailbox with an optional display name.
type Address struct {
	address string
	name    string
}

// NewAddress validates address and pairs it with name, which may be empty.
func NewAddress(address, name string) (Address, error) {
	if err := validate.Var(address, "required,email"); err != nil {
		return Address{}, &ValidationError{Address: address, Err: err}
	}
	return Address{address: address, name: name}, nil
}

// MustAddress is NewAddress for literals known to be valid. It panics on a
// bad address.
func MustAddress(address, name string) Address {
	a, err := NewAddress(address, name)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Address() string { return a.address }

func (a Address) Name() string { return a.name }

// String formats the address for a header, quoting or encoding the display
// name as needed.
func (a Address) String() string {
	return (&mail.Address{Name: a.name, Address: a.address}).String()
}

// Strings formats a list of addresses.
func Strings(list []Address) []string {
	return lo.Map(list, func(a Address, _ int) string {
		return a.String()
	})
}
