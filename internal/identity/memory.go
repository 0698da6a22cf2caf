package identity

import (
	"context"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type memoryUser struct {
	id   int64
	name string
	hash []byte
}

// MemoryStore 内存账号存储，无数据库时使用
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*memoryUser
	nextID int64
	cost   int
}

// MemoryOption 内存存储选项
type MemoryOption func(*MemoryStore)

// WithBcryptCost 指定 bcrypt 代价，超出 [MinCost, MaxCost] 时保持默认
func WithBcryptCost(cost int) MemoryOption {
	return func(s *MemoryStore) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		users:  make(map[string]*memoryUser),
		nextID: 1,
		cost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthenticateUser 校验账号密码
func (s *MemoryStore) AuthenticateUser(ctx context.Context, userName, password string) (*Identity, error) {
	s.mu.RLock()
	u, ok := s.users[userName]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Identity{UserID: u.id, UserName: u.name}, nil
}

// RegisterUser 注册账号，用户名已存在时返回 false
func (s *MemoryStore) RegisterUser(ctx context.Context, userName, password string) (bool, error) {
	if err := ValidateCredentials(userName, password); err != nil {
		return false, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[userName]; exists {
		return false, nil
	}
	s.users[userName] = &memoryUser{id: s.nextID, name: userName, hash: hash}
	s.nextID++
	return true, nil
}

// UserExists 用户名是否已注册
func (s *MemoryStore) UserExists(ctx context.Context, userName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userName]
	return ok, nil
}
