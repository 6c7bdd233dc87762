// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package resources

// This file contains the implementation of code that checks to ensure
// that the local machine only has one entity accessing a named resource.
// The queue runner uses it to ensure that a single process owns the
// durable task queue at any time.

import (
	"net"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Exclusive is a data structure used to track and ensure only one
// instance of the evaluation runner is active on a system at once
type Exclusive struct {
	Name     string
	ReleaseC chan struct{}
	listen   net.Listener
}

// NewExclusive is used to initialize a unix domain socket that ensures only one
// runner process is active on a machine at the same time.  If there
// are other processes active then it will return an error.
func NewExclusive(name string, quitC chan struct{}) (excl *Exclusive, err kv.Error) {

	excl = &Exclusive{
		Name:     name,
		ReleaseC: quitC,
	}

	// Construct an abstract name socket that allows the name to be recycled between process
	// restarts without needing to unlink etc. For more information please see
	// https://gavv.github.io/blog/unix-socket-reuse/, and
	// http://man7.org/linux/man-pages/man7/unix.7.html
	sockName := "@/tmp/"
	sockName += name

	listen, errGo := net.Listen("unix", sockName)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	excl.listen = listen
	go func() {
		go excl.listen.Accept()
		<-excl.ReleaseC
	}()
	return excl, nil
}
