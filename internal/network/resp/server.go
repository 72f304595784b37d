package resp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"aofstore/internal/logging"
	"aofstore/internal/storage"
)

// Journal is the subset of the AOF engine the RESP server needs: log a
// command after it has been applied to the store. Declared locally rather
// than imported from internal/aof so this package never depends on it
// directly -- the same seam shape as internal/dispatch, kept local because
// only Append (not Select/Snapshot) is relevant on the write path of a live
// connection.
type Journal interface {
	Append(db int, argv []string) error
}

// Server represents a RESP protocol server that handles Redis-compatible commands
type Server struct {
	address  string
	listener net.Listener
	store    *storage.BasicStore
	journal  Journal

	// Connection management
	connections map[net.Conn]*ClientConn
	connMutex   sync.RWMutex
	connIDSeq   uint64

	// Server state
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Configuration
	config ServerConfig

	// Statistics
	stats ServerStats
}

// ServerConfig holds server configuration
type ServerConfig struct {
	MaxConnections   int
	IdleTimeout      time.Duration
	CommandTimeout   time.Duration
	BufferSize       int
	KeepAlive        bool
	KeepAlivePeriod  time.Duration
	EnablePipelining bool
	MaxPipelineDepth int
}

// ServerStats holds server statistics
type ServerStats struct {
	TotalConnections  uint64
	ActiveConnections int32
	CommandsProcessed uint64
	ErrorsEncountered uint64
	BytesSent         uint64
	BytesReceived     uint64
}

// ClientConn represents a client connection
type ClientConn struct {
	id        uint64
	conn      net.Conn
	reader    *bufio.Reader
	parser    *Parser
	formatter *Formatter
	lastUsed  time.Time

	// Command pipeline
	pipeline     []Command
	pipelineMux  sync.Mutex
	pipelineMode bool
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:   1000,
		IdleTimeout:      5 * time.Minute,
		CommandTimeout:   30 * time.Second,
		BufferSize:       4096,
		KeepAlive:        true,
		KeepAlivePeriod:  time.Minute,
		EnablePipelining: true,
		MaxPipelineDepth: 100,
	}
}

// NewServer creates a new RESP server. journal may be nil, in which case
// writes are applied to the store but never logged -- useful for tests that
// only exercise command routing.
func NewServer(address string, store *storage.BasicStore, journal Journal) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		address:     address,
		store:       store,
		journal:     journal,
		connections: make(map[net.Conn]*ClientConn),
		ctx:         ctx,
		cancel:      cancel,
		config:      DefaultServerConfig(),
	}
}

// NewServerWithConfig creates a new RESP server with custom configuration
func NewServerWithConfig(address string, store *storage.BasicStore, journal Journal, config ServerConfig) *Server {
	server := NewServer(address, store, journal)
	server.config = config
	return server
}

// Start starts the RESP server
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.connectionCleaner()

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the RESP server
func (s *Server) Stop() error {
	if !s.running.Load() {
		return fmt.Errorf("server is not running")
	}

	s.running.Store(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connMutex.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.connMutex.Unlock()

	s.wg.Wait()

	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() ServerStats {
	s.connMutex.RLock()
	defer s.connMutex.RUnlock()

	stats := s.stats
	stats.ActiveConnections = int32(len(s.connections))
	return stats
}

// Addr reports the listener's bound address, useful when address was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				continue
			}
			return
		}

		s.connMutex.RLock()
		connCount := len(s.connections)
		s.connMutex.RUnlock()

		if connCount >= s.config.MaxConnections {
			conn.Close()
			atomic.AddUint64(&s.stats.ErrorsEncountered, 1)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok && s.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(s.config.KeepAlivePeriod)
		}

		clientConn := &ClientConn{
			id:        atomic.AddUint64(&s.connIDSeq, 1),
			conn:      conn,
			reader:    bufio.NewReaderSize(conn, s.config.BufferSize),
			formatter: NewFormatter(),
			lastUsed:  time.Now(),
		}
		clientConn.parser = NewParser(clientConn.reader)

		s.connMutex.Lock()
		s.connections[conn] = clientConn
		s.connMutex.Unlock()

		atomic.AddUint64(&s.stats.TotalConnections, 1)

		s.wg.Add(1)
		go s.handleConnection(clientConn)
	}
}

// handleConnection handles a client connection
func (s *Server) handleConnection(clientConn *ClientConn) {
	defer s.wg.Done()
	defer func() {
		clientConn.conn.Close()
		s.connMutex.Lock()
		delete(s.connections, clientConn.conn)
		s.connMutex.Unlock()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.config.CommandTimeout > 0 {
			clientConn.conn.SetReadDeadline(time.Now().Add(s.config.CommandTimeout))
		}

		value, err := clientConn.parser.Parse()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				response := clientConn.formatter.FormatError("ERR timeout")
				clientConn.conn.Write(response)
			}
			return
		}

		clientConn.lastUsed = time.Now()

		err = s.processCommand(clientConn, *value)
		if err != nil {
			response := clientConn.formatter.FormatError(fmt.Sprintf("ERR %s", err.Error()))
			clientConn.conn.Write(response)
			atomic.AddUint64(&s.stats.ErrorsEncountered, 1)
		}

		atomic.AddUint64(&s.stats.CommandsProcessed, 1)
	}
}

// processCommand processes a Redis command
func (s *Server) processCommand(clientConn *ClientConn, value Value) error {
	cmd, err := ParseCommand(&value)
	if err != nil {
		return err
	}

	response, err := s.routeCommand(*cmd)
	if err != nil {
		return err
	}

	_, err = clientConn.conn.Write(response)
	if err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}

	atomic.AddUint64(&s.stats.BytesSent, uint64(len(response)))
	return nil
}

// routeCommand routes a command to the appropriate handler
func (s *Server) routeCommand(cmd Command) ([]byte, error) {
	switch strings.ToUpper(cmd.Name) {
	case "GET":
		return s.handleGet(cmd)
	case "SET":
		return s.handleSet(cmd)
	case "DEL", "DELETE":
		return s.handleDel(cmd)
	case "EXISTS":
		return s.handleExists(cmd)
	case "TTL":
		return s.handleTTL(cmd)
	case "EXPIRE":
		return s.handleExpire(cmd)
	case "PING":
		return s.handlePing(cmd)
	case "INFO":
		return s.handleInfo(cmd)
	case "STATS":
		return s.handleStats(cmd)
	case "FLUSHALL":
		return s.handleFlushAll(cmd)
	case "DBSIZE":
		return s.handleDBSize(cmd)

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Name)
	}
}

// journalAppend logs a command to the AOF engine after it has already been
// applied to the store, mirroring the teacher's write-then-broadcast
// ordering (there it broadcast to replicas; here it logs to the journal).
// A journal error is reported to the caller, matching the teacher's
// error-surfacing for a failed replica publish, but the store mutation
// itself is never rolled back -- the engine's own Append only buffers the
// command in memory, so a journal failure here means the in-memory store
// and the log have already diverged and the operator needs to know.
func (s *Server) journalAppend(argv []string) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(0, argv); err != nil {
		logging.Warn(context.Background(), "network", "journal_append", "failed to log command to AOF", map[string]interface{}{
			"command": argv[0],
			"error":   err.Error(),
		})
		return err
	}
	return nil
}

// Command handlers

func (s *Server) handleGet(cmd Command) ([]byte, error) {
	if len(cmd.Args) != 1 {
		return nil, fmt.Errorf("wrong number of arguments for GET")
	}

	key := cmd.Args[0]
	formatter := NewFormatter()

	value, err := s.store.Get(key)
	if err != nil {
		return formatter.FormatNull(), nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return formatter.FormatNull(), nil
	}

	return formatter.FormatBulkBytes(bytes), nil
}

func (s *Server) handleSet(cmd Command) ([]byte, error) {
	if len(cmd.Args) < 2 {
		return nil, fmt.Errorf("wrong number of arguments for SET")
	}

	key := cmd.Args[0]
	value := cmd.Args[1]

	var ttl time.Duration
	var expiresAt time.Time

	for i := 2; i < len(cmd.Args); i += 2 {
		if i+1 >= len(cmd.Args) {
			return nil, fmt.Errorf("syntax error")
		}

		option := strings.ToUpper(cmd.Args[i])
		arg := cmd.Args[i+1]

		switch option {
		case "EX":
			seconds, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid expire time")
			}
			ttl = time.Duration(seconds) * time.Second
			expiresAt = time.Now().Add(ttl)
		case "PX":
			millis, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("invalid expire time")
			}
			ttl = time.Duration(millis) * time.Millisecond
			expiresAt = time.Now().Add(ttl)
		case "NX", "XX":
			// TODO: Implement conditional sets
		default:
			return nil, fmt.Errorf("syntax error")
		}
	}

	if err := s.store.Set(key, value, "", ttl); err != nil {
		return nil, fmt.Errorf("failed to set key: %w", err)
	}

	argv := []string{"SET", key, value}
	if !expiresAt.IsZero() {
		argv = append(argv, "PXAT", strconv.FormatInt(expiresAt.UnixMilli(), 10))
	}
	if err := s.journalAppend(argv); err != nil {
		return nil, err
	}

	return NewFormatter().FormatSimpleString("OK"), nil
}

func (s *Server) handleDel(cmd Command) ([]byte, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("wrong number of arguments for DEL")
	}

	deleted := int64(0)
	var removed []string

	for _, key := range cmd.Args {
		if err := s.store.Delete(key); err == nil {
			deleted++
			removed = append(removed, key)
		}
	}

	if len(removed) > 0 {
		if err := s.journalAppend(append([]string{"DEL"}, removed...)); err != nil {
			return nil, err
		}
	}

	return NewFormatter().FormatInteger(deleted), nil
}

func (s *Server) handleExists(cmd Command) ([]byte, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("wrong number of arguments for EXISTS")
	}

	count := int64(0)
	for _, key := range cmd.Args {
		if _, err := s.store.Get(key); err == nil {
			count++
		}
	}

	return NewFormatter().FormatInteger(count), nil
}

func (s *Server) handleTTL(cmd Command) ([]byte, error) {
	if len(cmd.Args) != 1 {
		return nil, fmt.Errorf("wrong number of arguments for TTL")
	}

	key := cmd.Args[0]
	items, err := s.store.Items()
	if err != nil {
		return nil, fmt.Errorf("failed to read TTL: %w", err)
	}
	for _, item := range items {
		if item.Key != key {
			continue
		}
		if item.ExpiresAt.IsZero() {
			return NewFormatter().FormatInteger(-1), nil
		}
		remaining := time.Until(item.ExpiresAt)
		if remaining < 0 {
			remaining = 0
		}
		return NewFormatter().FormatInteger(int64(remaining.Seconds())), nil
	}
	return NewFormatter().FormatInteger(-2), nil
}

func (s *Server) handleExpire(cmd Command) ([]byte, error) {
	if len(cmd.Args) != 2 {
		return nil, fmt.Errorf("wrong number of arguments for EXPIRE")
	}

	key := cmd.Args[0]
	seconds, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return nil, fmt.Errorf("invalid expire time")
	}

	if _, err := s.store.Get(key); err != nil {
		return NewFormatter().FormatInteger(0), nil
	}

	at := time.Now().Add(time.Duration(seconds) * time.Second)
	if err := s.store.ExpireAt(key, at); err != nil {
		return nil, fmt.Errorf("failed to set expiry: %w", err)
	}

	if err := s.journalAppend([]string{"PEXPIREAT", key, strconv.FormatInt(at.UnixMilli(), 10)}); err != nil {
		return nil, err
	}

	return NewFormatter().FormatInteger(1), nil
}

func (s *Server) handlePing(cmd Command) ([]byte, error) {
	formatter := NewFormatter()

	if len(cmd.Args) == 0 {
		return formatter.FormatSimpleString("PONG"), nil
	}

	return formatter.FormatBulkString(cmd.Args[0]), nil
}

func (s *Server) handleInfo(cmd Command) ([]byte, error) {
	stats := s.GetStats()

	info := fmt.Sprintf("# Server\n"+
		"redis_version:7.0.0\n"+
		"redis_mode:standalone\n"+
		"arch_bits:64\n"+
		"tcp_port:%s\n"+
		"\n"+
		"# Clients\n"+
		"connected_clients:%d\n"+
		"maxclients:%d\n"+
		"\n"+
		"# Stats\n"+
		"total_connections_received:%d\n"+
		"total_commands_processed:%d\n"+
		"total_net_input_bytes:%d\n"+
		"total_net_output_bytes:%d\n",
		s.address,
		stats.ActiveConnections,
		s.config.MaxConnections,
		stats.TotalConnections,
		stats.CommandsProcessed,
		stats.BytesReceived,
		stats.BytesSent,
	)

	return NewFormatter().FormatBulkString(info), nil
}

func (s *Server) handleStats(cmd Command) ([]byte, error) {
	stats := s.GetStats()

	result := [][]byte{
		NewFormatter().FormatBulkString(fmt.Sprintf("total_connections:%d", stats.TotalConnections)),
		NewFormatter().FormatBulkString(fmt.Sprintf("active_connections:%d", stats.ActiveConnections)),
		NewFormatter().FormatBulkString(fmt.Sprintf("commands_processed:%d", stats.CommandsProcessed)),
		NewFormatter().FormatBulkString(fmt.Sprintf("errors_encountered:%d", stats.ErrorsEncountered)),
		NewFormatter().FormatBulkString(fmt.Sprintf("bytes_sent:%d", stats.BytesSent)),
		NewFormatter().FormatBulkString(fmt.Sprintf("bytes_received:%d", stats.BytesReceived)),
	}

	return NewFormatter().FormatArray(result), nil
}

func (s *Server) handleFlushAll(cmd Command) ([]byte, error) {
	if err := s.store.Clear(); err != nil {
		return nil, fmt.Errorf("failed to clear store: %w", err)
	}

	if err := s.journalAppend([]string{"FLUSHDB"}); err != nil {
		return nil, err
	}

	return NewFormatter().FormatSimpleString("OK"), nil
}

func (s *Server) handleDBSize(cmd Command) ([]byte, error) {
	size := s.store.Size()
	return NewFormatter().FormatInteger(int64(size)), nil
}

// connectionCleaner periodically cleans up idle connections
func (s *Server) connectionCleaner() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupIdleConnections()
		}
	}
}

// cleanupIdleConnections removes idle connections
func (s *Server) cleanupIdleConnections() {
	if s.config.IdleTimeout <= 0 {
		return
	}

	now := time.Now()

	s.connMutex.Lock()
	defer s.connMutex.Unlock()

	for conn, clientConn := range s.connections {
		if now.Sub(clientConn.lastUsed) > s.config.IdleTimeout {
			conn.Close()
			delete(s.connections, conn)
		}
	}
}
