// Package rpc implements the cluster admin control plane: a small
// geerpc-style request/response server used for Stats/TriggerRepair/
// Flush calls against a running mount, kept deliberately separate from
// the erasure data path. Adapted from the teacher's rpc-server.go,
// trimmed of the CONNECT-hijack/debug/write HTTP extensions that were
// specific to its file-transfer protocol (see the design notes for why
// those do not carry over to an admin-only surface).
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/DurantVivado/cloudraidfs/codec"
	"github.com/DurantVivado/cloudraidfs/xlog"
)

// MagicNumber marks this as an admin RPC handshake.
const MagicNumber = 0x7fffffff

// Option precedes the codec stream on every new connection.
type Option struct {
	MagicNumber    int
	CodecType      codec.Type
	ConnectTimeout time.Duration
	HandleTimeout  time.Duration
}

// DefaultOption uses gob encoding with a 10s connect timeout and no
// per-call handle timeout.
var DefaultOption = &Option{
	MagicNumber:    MagicNumber,
	CodecType:      codec.GobType,
	ConnectTimeout: 10 * time.Second,
}

// Server is an RPC server bound to a set of registered services.
type Server struct {
	serviceMap sync.Map
}

func NewServer() *Server { return &Server{} }

// DefaultServer is used by the package-level Accept/Register helpers.
var DefaultServer = NewServer()

// Accept accepts connections on lis and serves each on its own goroutine.
func (s *Server) Accept(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			xlog.Errorf("rpc server: accept error: %v", err)
			return
		}
		go s.ServeConn(conn)
	}
}

func Accept(lis net.Listener) { DefaultServer.Accept(lis) }

// ServeConn runs the server on a single connection until it hangs up.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	defer conn.Close()
	// Read the newline-terminated JSON Option one byte at a time: a
	// json.Decoder on conn would buffer, and so swallow, the start of the
	// codec stream that the client writes right after the Option.
	var line []byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, b); err != nil {
			xlog.Errorf("rpc server: options error: %v", err)
			return
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
	}
	var opt Option
	if err := json.Unmarshal(line, &opt); err != nil {
		xlog.Errorf("rpc server: options error: %v", err)
		return
	}
	if opt.MagicNumber != MagicNumber {
		xlog.Errorf("rpc server: invalid magic number %x", opt.MagicNumber)
		return
	}
	f := codec.NewCodecFuncMap[opt.CodecType]
	if f == nil {
		xlog.Errorf("rpc server: invalid codec type %s", opt.CodecType)
		return
	}
	s.serveCodec(f(conn), &opt)
}

var invalidRequest = struct{}{}

type request struct {
	h            *codec.Header
	argv, replyv reflect.Value
	mtype        *methodType
	svc          *service
}

func (s *Server) serveCodec(cc codec.Codec, opt *Option) {
	sending := new(sync.Mutex)
	wg := new(sync.WaitGroup)
	for {
		req, err := s.readRequest(cc)
		if err != nil {
			if req == nil {
				break
			}
			req.h.Error = err.Error()
			s.sendResponse(cc, req.h, invalidRequest, sending)
			continue
		}
		wg.Add(1)
		go s.handleRequest(cc, req, sending, wg, opt.HandleTimeout)
	}
	wg.Wait()
	_ = cc.Close()
}

func (s *Server) readRequestHeader(cc codec.Codec) (*codec.Header, error) {
	var h codec.Header
	if err := cc.ReadHeader(&h); err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			xlog.Errorf("rpc server: read header error: %v", err)
		}
		return nil, err
	}
	return &h, nil
}

func (s *Server) readRequest(cc codec.Codec) (*request, error) {
	h, err := s.readRequestHeader(cc)
	if err != nil {
		return nil, err
	}
	req := &request{h: h}
	req.svc, req.mtype, err = s.findService(h.ServiceMethod)
	if err != nil {
		return req, err
	}
	req.argv = req.mtype.newArgv()
	req.replyv = req.mtype.newReplyv()

	argvi := req.argv.Interface()
	if req.argv.Type().Kind() != reflect.Ptr {
		argvi = req.argv.Addr().Interface()
	}
	if err = cc.ReadBody(argvi); err != nil {
		xlog.Errorf("rpc server: read body error: %v", err)
		return req, err
	}
	return req, nil
}

func (s *Server) sendResponse(cc codec.Codec, h *codec.Header, body interface{}, sending *sync.Mutex) {
	sending.Lock()
	defer sending.Unlock()
	if err := cc.Write(h, body); err != nil {
		xlog.Errorf("rpc server: write response error: %v", err)
	}
}

func (s *Server) handleRequest(cc codec.Codec, req *request, sending *sync.Mutex, wg *sync.WaitGroup, timeout time.Duration) {
	defer wg.Done()
	called := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		err := req.svc.call(req.mtype, req.argv, req.replyv)
		called <- struct{}{}
		if err != nil {
			req.h.Error = err.Error()
			s.sendResponse(cc, req.h, invalidRequest, sending)
			sent <- struct{}{}
			return
		}
		s.sendResponse(cc, req.h, req.replyv.Interface(), sending)
		sent <- struct{}{}
	}()

	if timeout == 0 {
		<-called
		<-sent
		return
	}
	select {
	case <-time.After(timeout):
		req.h.Error = fmt.Sprintf("rpc server: request handle timeout: expect within %s", timeout)
		s.sendResponse(cc, req.h, invalidRequest, sending)
	case <-called:
		<-sent
	}
}

// Register publishes rcvr's eligible methods under its type name.
func (s *Server) Register(rcvr interface{}) error {
	ns := newService(rcvr)
	if _, dup := s.serviceMap.LoadOrStore(ns.name, ns); dup {
		return errors.New("rpc: service already defined: " + ns.name)
	}
	return nil
}

func Register(rcvr interface{}) error { return DefaultServer.Register(rcvr) }

func (s *Server) findService(serviceMethod string) (svc *service, mtype *methodType, err error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot < 0 {
		err = errors.New("rpc server: service/method request ill-formed: " + serviceMethod)
		return
	}
	serviceName, methodName := serviceMethod[:dot], serviceMethod[dot+1:]
	svci, ok := s.serviceMap.Load(serviceName)
	if !ok {
		err = errors.New("rpc server: can't find service " + serviceName)
		return
	}
	svc = svci.(*service)
	mtype = svc.method[methodName]
	if mtype == nil {
		err = errors.New("rpc server: can't find method " + methodName)
	}
	return
}
