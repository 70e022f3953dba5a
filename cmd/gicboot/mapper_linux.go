//go:build linux

package main

import (
	"github.com/tinyrange/hvirq/internal/hostio"
)

func openDevMem() (hostio.Mapper, func() error, error) {
	mem, err := hostio.OpenDevMem()
	if err != nil {
		return nil, nil, err
	}
	return mem, mem.Close, nil
}
