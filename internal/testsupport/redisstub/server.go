// Package redisstub runs a minimal in-process RESP server covering the
// command surface the kv.Store Redis implementation uses: strings with
// expiry, lists with blocking pop, cursor SCAN, and the compare-and-swap
// script. It exists so kv integration tests run without a Redis daemon.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type entry struct {
	value  string
	expiry time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	strings  map[string]*entry
	lists    map[string][]string
	closed   chan struct{}
}

// Start listens on an ephemeral loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		strings:  make(map[string]*entry),
		lists:    make(map[string][]string),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var writeErr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			writeErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP2 only; clients fall back on an error reply.
			writeErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			writeErr = writeSimpleString(writer, "OK")
		case "AUTH":
			candidate := args[len(args)-1]
			if s.opts.Password == "" || candidate == s.opts.Password {
				authenticated = true
				writeErr = writeSimpleString(writer, "OK")
			} else {
				writeErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			writeErr = s.dispatch(writer, args)
		}
		if writeErr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		return s.handleSet(writer, args)
	case "SETNX":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'setnx'")
		}
		s.mu.Lock()
		now := time.Now()
		if existing, ok := s.strings[args[1]]; ok && !existing.expired(now) {
			s.mu.Unlock()
			return writeInteger(writer, 0)
		}
		s.setLocked(args[1], args[2], 0, now)
		s.mu.Unlock()
		return writeInteger(writer, 1)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		return writeInteger(writer, s.del(args[1:]))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time")
		}
		return writeInteger(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "LPUSH":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'lpush'")
		}
		return writeInteger(writer, s.lpush(args[1], args[2:]))
	case "LLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'llen'")
		}
		s.mu.Lock()
		length := int64(len(s.lists[args[1]]))
		s.mu.Unlock()
		return writeInteger(writer, length)
	case "BRPOP":
		return s.handleBRPop(writer, args)
	case "SCAN":
		return s.handleScan(writer, args)
	case "EVAL", "EVALSHA":
		return s.handleCAS(writer, args)
	case "SCRIPT":
		return writeSimpleString(writer, "OK")
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// handleSet implements SET with the EX/PX/NX options the client issues.
func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var ttl time.Duration
	nx := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR invalid expire time")
			}
			if strings.ToUpper(args[i]) == "EX" {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		case "NX":
			nx = true
		case "KEEPTTL":
		default:
			return writeError(writer, "ERR syntax error")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if nx {
		if existing, ok := s.strings[key]; ok && !existing.expired(now) {
			return writeBulkNil(writer)
		}
	}
	s.setLocked(key, value, ttl, now)
	return writeSimpleString(writer, "OK")
}

func (s *Server) handleBRPop(writer *bufio.Writer, args []string) error {
	if len(args) != 3 {
		return writeError(writer, "ERR wrong number of arguments for 'brpop'")
	}
	key := args[1]
	seconds, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return writeError(writer, "ERR timeout is not a float or out of range")
	}
	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	for {
		s.mu.Lock()
		list := s.lists[key]
		if len(list) > 0 {
			value := list[len(list)-1]
			s.lists[key] = list[:len(list)-1]
			s.mu.Unlock()
			return writeArray(writer, []interface{}{key, value})
		}
		s.mu.Unlock()
		if seconds <= 0 || time.Now().After(deadline) {
			return writeNilArray(writer)
		}
		select {
		case <-s.closed:
			return fmt.Errorf("server closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// handleScan walks a snapshot of the keyspace. The whole match is returned
// in one page with a zero continuation cursor, which honours the contract
// callers rely on.
func (s *Server) handleScan(writer *bufio.Writer, args []string) error {
	pattern := "*"
	for i := 2; i+1 < len(args); i += 2 {
		if strings.ToUpper(args[i]) == "MATCH" {
			pattern = args[i+1]
		}
	}

	s.mu.Lock()
	now := time.Now()
	keys := make([]string, 0, len(s.strings))
	for key, e := range s.strings {
		if e.expired(now) {
			delete(s.strings, key)
			continue
		}
		if matched, err := path.Match(pattern, key); err == nil && matched {
			keys = append(keys, key)
		}
	}
	for key := range s.lists {
		if matched, err := path.Match(pattern, key); err == nil && matched {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)

	items := make([]interface{}, len(keys))
	for i, key := range keys {
		items[i] = key
	}
	return writeArray(writer, []interface{}{"0", items})
}

// handleCAS evaluates the compare-and-swap script natively. The call shape
// is EVAL/EVALSHA script 1 key expect next ttlms, where an empty expect
// asserts the key is absent and a positive ttl bounds the new value.
func (s *Server) handleCAS(writer *bufio.Writer, args []string) error {
	if len(args) != 7 {
		return writeError(writer, "ERR wrong number of arguments for 'eval'")
	}
	key, expect, next := args[3], args[4], args[5]
	ttlMillis, err := strconv.ParseInt(args[6], 10, 64)
	if err != nil {
		return writeError(writer, "ERR value is not an integer or out of range")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	current, exists := s.strings[key]
	if exists && current.expired(now) {
		delete(s.strings, key)
		exists = false
	}
	matched := false
	if expect == "" {
		matched = !exists
	} else {
		matched = exists && current.value == expect
	}
	if !matched {
		return writeInteger(writer, 0)
	}
	s.setLocked(key, next, time.Duration(ttlMillis)*time.Millisecond, now)
	return writeInteger(writer, 1)
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok {
		return "", false
	}
	if e.expired(time.Now()) {
		delete(s.strings, key)
		return "", false
	}
	return e.value, true
}

func (s *Server) setLocked(key, value string, ttl time.Duration, now time.Time) {
	e := &entry{value: value}
	if ttl > 0 {
		e.expiry = now.Add(ttl)
	}
	s.strings[key] = e
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	now := time.Now()
	for _, key := range keys {
		if e, ok := s.strings[key]; ok {
			delete(s.strings, key)
			if !e.expired(now) {
				removed++
			}
			continue
		}
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			removed++
		}
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.strings[key]
	if !ok || e.expired(now) {
		e = &entry{value: "0"}
		s.strings[key] = e
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	current++
	e.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || e.expired(time.Now()) {
		return 0
	}
	e.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) lpush(key string, values []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	for _, value := range values {
		list = append([]string{value}, list...)
	}
	s.lists[key] = list
	return int64(len(list))
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v); err != nil {
				return err
			}
		case int64:
			if _, err := fmt.Fprintf(w, ":%d\r\n", v); err != nil {
				return err
			}
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			raw := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(raw), raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
