// Package main implements linkprobe, a command line tool that opens AMQP send
// and receive links through amqplink and reports what happened to them.
//
//	linkprobe send --address amqp://localhost:5672 --target queue --count 10
//	linkprobe receive -c probe.yaml --source queue --count 10 --metrics-addr :9090
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
