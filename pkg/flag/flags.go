package flag

import "github.com/spf13/pflag"

// StringFlag handles string flags.
type StringFlag struct {
	FlagPart
	Value    string
	Validate func(f StringFlag) error
}

// NewStringFlag returns a new StringFlag object.
func NewStringFlag(key, usage string, hidden bool, validate func(StringFlag) error) StringFlag {
	return StringFlag{
		FlagPart: NewFlagPart(key, usage, hidden),
		Validate: validate,
	}
}

// AddTo satisfies the Flag interface requirement.
func (f *StringFlag) AddTo(flagSet *pflag.FlagSet) {
	if f.short == "" {
		flagSet.StringVar(&f.Value, f.Key, f.Value, f.usage)
	} else {
		flagSet.StringVarP(&f.Value, f.Key, f.short, f.Value, f.usage)
	}
	f.markHidden(flagSet)
}

// FlagValidate satisfies the Flag interface requirement.
func (f StringFlag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}

// BoolFlag handles boolean flags.
type BoolFlag struct {
	FlagPart
	Value    bool
	Validate func(f BoolFlag) error
}

// NewBoolFlag returns a new BoolFlag object.
func NewBoolFlag(key, usage string, hidden bool, validate func(BoolFlag) error) BoolFlag {
	return BoolFlag{
		FlagPart: NewFlagPart(key, usage, hidden),
		Validate: validate,
	}
}

// AddTo satisfies the Flag interface requirement.
func (f *BoolFlag) AddTo(flagSet *pflag.FlagSet) {
	if f.short == "" {
		flagSet.BoolVar(&f.Value, f.Key, f.Value, f.usage)
	} else {
		flagSet.BoolVarP(&f.Value, f.Key, f.short, f.Value, f.usage)
	}
	f.markHidden(flagSet)
}

// FlagValidate satisfies the Flag interface requirement.
func (f BoolFlag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}

// Int64Flag handles int64 flags (byte sizes, offsets).
type Int64Flag struct {
	FlagPart
	Value    int64
	Validate func(f Int64Flag) error
}

// NewInt64Flag returns a new Int64Flag object.
func NewInt64Flag(key, usage string, hidden bool, validate func(Int64Flag) error) Int64Flag {
	return Int64Flag{
		FlagPart: NewFlagPart(key, usage, hidden),
		Validate: validate,
	}
}

// AddTo satisfies the Flag interface requirement.
func (f *Int64Flag) AddTo(flagSet *pflag.FlagSet) {
	if f.short == "" {
		flagSet.Int64Var(&f.Value, f.Key, f.Value, f.usage)
	} else {
		flagSet.Int64VarP(&f.Value, f.Key, f.short, f.Value, f.usage)
	}
	f.markHidden(flagSet)
}

// FlagValidate satisfies the Flag interface requirement.
func (f Int64Flag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}

// StringSliceFlag handles repeatable string flags (key=value options).
type StringSliceFlag struct {
	FlagPart
	Value    []string
	Validate func(f StringSliceFlag) error
}

// NewStringSliceFlag returns a new StringSliceFlag object.
func NewStringSliceFlag(key, usage string, hidden bool, validate func(StringSliceFlag) error) StringSliceFlag {
	return StringSliceFlag{
		FlagPart: NewFlagPart(key, usage, hidden),
		Validate: validate,
	}
}

// AddTo satisfies the Flag interface requirement.
func (f *StringSliceFlag) AddTo(flagSet *pflag.FlagSet) {
	if f.short == "" {
		flagSet.StringSliceVar(&f.Value, f.Key, f.Value, f.usage)
	} else {
		flagSet.StringSliceVarP(&f.Value, f.Key, f.short, f.Value, f.usage)
	}
	f.markHidden(flagSet)
}

// FlagValidate satisfies the Flag interface requirement.
func (f StringSliceFlag) FlagValidate() error {
	if f.Validate == nil {
		return nil
	}
	return f.Validate(f)
}
