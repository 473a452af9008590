// Package flag wraps pflag registration so each command declares its
// flags as a typed list, validates them in one pass, and keeps the
// key/short/usage metadata next to the value it binds.
package flag

import "github.com/spf13/pflag"

// Flag is a datatype-agnostic interface for flag objects.
type Flag interface {
	FlagKey() string
	FlagShort() string
	FlagUsage() string
	FlagValidate() error
	AddTo(flagSet *pflag.FlagSet)
}

// FlagPart carries the metadata shared by every flag type.
type FlagPart struct {
	Key    string
	short  string
	usage  string
	hidden bool
}

// NewFlagPart returns a new FlagPart object.
func NewFlagPart(key, usage string, hidden bool) FlagPart {
	return FlagPart{
		Key:    key,
		usage:  usage,
		hidden: hidden,
	}
}

// NewFlagPartShort is NewFlagPart with a one-letter short form.
func NewFlagPartShort(key, short, usage string, hidden bool) FlagPart {
	return FlagPart{
		Key:    key,
		short:  short,
		usage:  usage,
		hidden: hidden,
	}
}

// FlagKey returns the flag key.
func (p FlagPart) FlagKey() string {
	return p.Key
}

// FlagShort returns the flag 'short' info field.
func (p FlagPart) FlagShort() string {
	return p.short
}

// FlagUsage returns the flag 'usage' info field.
func (p FlagPart) FlagUsage() string {
	return p.usage
}

func (p FlagPart) markHidden(flagSet *pflag.FlagSet) {
	if p.hidden {
		if f := flagSet.Lookup(p.Key); f != nil {
			f.Hidden = true
		}
	}
}

// FlagsList contains an array of Flag objects.
type FlagsList []Flag

// AddTo registers every flag in the list with flagSet.
func (f FlagsList) AddTo(flagSet *pflag.FlagSet) {
	for _, x := range f {
		x.AddTo(flagSet)
	}
}

// Validate runs every flag's validator, stopping at the first failure.
func (f FlagsList) Validate() error {
	for _, x := range f {
		if err := x.FlagValidate(); err != nil {
			return err
		}
	}
	return nil
}
