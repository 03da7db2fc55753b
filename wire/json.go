// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

type jsonValue struct {
	Type  string      `json:"type"`
	ID    TypeID      `json:"id"`
	Value interface{} `json:"value"`
}

// WriteJSON renders v as a human-readable JSON document that names
// the value's registered type. The rendering is for inspection only;
// it is never decoded.
func WriteJSON(reg *Registry, w io.Writer, v Value) error {
	if v == nil {
		_, err := io.WriteString(w, "null\n")
		return err
	}
	id, ok := reg.ID(v)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("wire: type %T not registered", v))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonValue{reg.Name(id), id, v})
}
