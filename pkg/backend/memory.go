/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backend

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

var ErrInvalidMemory = errors.New("invalid memory size")

const mebibyte = 1 << 20

// binarySuffixes maps QEMU size suffixes to resource.Quantity binary suffixes.
var binarySuffixes = map[byte]string{
	'K': "Ki",
	'M': "Mi",
	'G': "Gi",
	'T': "Ti",
}

// MemorySize is a guest memory amount written the way QEMU's -m option takes
// it: a number with an optional K/M/G/T suffix (binary units, case
// insensitive), or a bare number of MiB.
type MemorySize struct {
	raw      string
	quantity resource.Quantity
}

// ParseMemory parses s as a MemorySize.
func ParseMemory(s string) (MemorySize, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return MemorySize{}, fmt.Errorf("%w: empty", ErrInvalidMemory)
	}

	number, suffix := raw, "Mi"
	last := strings.ToUpper(raw[len(raw)-1:])[0]
	if unit, ok := binarySuffixes[last]; ok {
		number, suffix = raw[:len(raw)-1], unit
	}
	if number == "" || strings.ContainsAny(number, "+-eE") {
		return MemorySize{}, fmt.Errorf("%w: %q", ErrInvalidMemory, s)
	}

	q, err := resource.ParseQuantity(number + suffix)
	if err != nil {
		return MemorySize{}, fmt.Errorf("%w: %q: %v", ErrInvalidMemory, s, err)
	}
	if q.Value() < mebibyte {
		return MemorySize{}, fmt.Errorf("%w: %q is below 1MiB", ErrInvalidMemory, s)
	}

	return MemorySize{raw: raw, quantity: q}, nil
}

// String returns the size as originally written.
func (m MemorySize) String() string {
	return m.raw
}

// MiB returns the size in mebibytes, rounded down.
func (m MemorySize) MiB() int64 {
	return m.quantity.Value() / mebibyte
}
