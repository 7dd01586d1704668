package main

import (
	"github.com/refractionPOINT/lc-extension-sdk/multiplexer"
	"github.com/refractionPOINT/lc-extension-sdk/server/webserver"
)

func main() {
	cfg, err := multiplexer.LoadConfig()
	if err != nil {
		panic(err)
	}
	m, err := multiplexer.New(cfg)
	if err != nil {
		panic(err)
	}
	webserver.RunExtension(m)
}
