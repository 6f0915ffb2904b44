package server

import (
	"context"
	"encoding/json"
	"fmt"
	"push-rpc/message"
	"push-rpc/protocol"
	"reflect"
	"strings"
	"sync"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
	info      *message.MethodInfo
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	pool   message.Executor // nil runs on the server default pool
	method map[string]*methodType
}

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any, pool message.Executor) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		pool:   pool,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no method of the form func(*Args, *Reply) error", srv.name)
	}
	return srv, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// RegisterMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的
func (s *service) RegisterMethods() {
	// 合法条件：3 个入参 (receiver, *Args, *Reply)，返回 error
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		if method.Type.NumIn() != 3 || method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(1).Kind() != reflect.Ptr || method.Type.In(2).Kind() != reflect.Ptr {
			continue
		}

		mt := &methodType{
			method:    method,
			ArgType:   method.Type.In(1).Elem(),
			ReplyType: method.Type.In(2).Elem(),
		}
		mt.info = &message.MethodInfo{
			ServiceMethod: s.name + "." + method.Name,
			Pool:          s.pool,
			Call: func(ctx context.Context, payload []byte) ([]byte, error) {
				return s.invoke(mt, payload)
			},
		}
		s.method[method.Name] = mt
	}
}

// invoke decodes the JSON args, calls the method and encodes the reply.
func (s *service) invoke(mType *methodType, payload []byte) ([]byte, error) {
	argv := reflect.New(mType.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(mType.ReplyType) // e.g., reflect.New(Reply) → *Reply

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, argv.Interface()); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if err := s.Call(mType, argv, replyv); err != nil {
		return nil, err
	}
	return json.Marshal(replyv.Interface())
}

// Call 通过反射调用方法
func (s *service) Call(mType *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// serviceMap resolves "Service.Method" names for the protocols.
type serviceMap struct {
	mu       sync.RWMutex
	services map[string]*service
}

func newServiceMap() *serviceMap {
	return &serviceMap{services: make(map[string]*service)}
}

func (m *serviceMap) add(svc *service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[svc.name]; ok {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	m.services[svc.name] = svc
	return nil
}

func (m *serviceMap) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	return names
}

func (m *serviceMap) Lookup(serviceMethod string) (*message.MethodInfo, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 {
		return nil, fmt.Errorf("%w: invalid service method format %q", protocol.ErrMethodNotFound, serviceMethod)
	}

	m.mu.RLock()
	svc, ok := m.services[split[0]]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown service %q", protocol.ErrMethodNotFound, split[0])
	}
	mt, ok := svc.method[split[1]]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", protocol.ErrMethodNotFound, serviceMethod)
	}
	return mt.info, nil
}
