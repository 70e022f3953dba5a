//go:build !linux

package main

import (
	"fmt"

	"github.com/tinyrange/hvirq/internal/hostio"
)

func openDevMem() (hostio.Mapper, func() error, error) {
	return nil, nil, fmt.Errorf("physical register access is only supported on linux")
}
