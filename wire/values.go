// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

// Int64 is a registered scalar value.
type Int64 int64

func (v *Int64) MarshalWire(e *Encoder)   { e.Varint(int64(*v)) }
func (v *Int64) UnmarshalWire(d *Decoder) { *v = Int64(d.Varint()) }

// Float64 is a registered scalar value.
type Float64 float64

func (v *Float64) MarshalWire(e *Encoder)   { e.Float64(float64(*v)) }
func (v *Float64) UnmarshalWire(d *Decoder) { *v = Float64(d.Float64()) }

// String is a registered string value.
type String string

func (v *String) MarshalWire(e *Encoder)   { e.String(string(*v)) }
func (v *String) UnmarshalWire(d *Decoder) { *v = String(d.String()) }

// Bytes is a registered opaque byte value.
type Bytes []byte

func (v *Bytes) MarshalWire(e *Encoder)   { e.Bytes(*v) }
func (v *Bytes) UnmarshalWire(d *Decoder) { *v = d.Bytes() }

// Int64s is a registered array of integers.
type Int64s []int64

func (v *Int64s) MarshalWire(e *Encoder)   { e.Int64s(*v) }
func (v *Int64s) UnmarshalWire(d *Decoder) { *v = d.Int64s() }
