package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrDomainTaken 은 같은 도메인에 이미 활성 세션이 있을 때 반환됩니다.
var ErrDomainTaken = errors.New("registry: domain already taken")

// ErrNoFreeDomain 은 자동 할당이 재시도 한도 내에 빈 도메인을 찾지 못했을 때 반환됩니다.
var ErrNoFreeDomain = errors.New("registry: no free auto-assigned domain")

// autoAssignRetries 는 자동 할당 시 이름 생성 재시도 횟수 상한입니다.
const autoAssignRetries = 5

// Registry 는 활성 도메인 → 세션 식별자 매핑입니다.
//
// 하나의 도메인은 어떤 순간에도 최대 하나의 활성 세션에만 매핑됩니다.
// Register 는 같은 이름에 대한 동시 등록 경쟁에서 정확히 한 호출만 성공시킵니다.
// 프로세스 전역 싱글턴이 아니라 서버 구성 시점에 생성해 디스패처와
// 세션 수명주기 코드에 주입해서 사용합니다.
type Registry struct {
	mu      sync.Mutex
	domains map[string]string // domain -> session id

	// labelFn 은 자동 할당용 라벨 생성기입니다. 비어 있으면 shortLabel 을 씁니다.
	// 테스트에서 충돌을 강제할 때 교체합니다.
	labelFn func() string
}

// New 는 빈 Registry 를 생성합니다.
func New() *Registry {
	return &Registry{domains: make(map[string]string)}
}

// Register 는 domain 을 sessionID 에 바인딩합니다.
// 이미 점유된 도메인이면 ErrDomainTaken 을 반환합니다.
func (r *Registry) Register(domain, sessionID string) error {
	domain = normalize(domain)
	if domain == "" {
		return fmt.Errorf("registry: empty domain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.domains[domain]; exists {
		return fmt.Errorf("%w: %s", ErrDomainTaken, domain)
	}
	r.domains[domain] = sessionID
	return nil
}

// Unregister 는 도메인 바인딩을 해제합니다.
// sessionID 가 현재 소유자와 다르면 아무것도 하지 않습니다.
// (재연결 경쟁에서 새 세션의 바인딩을 이전 세션의 teardown 이 지우는 것을 방지)
func (r *Registry) Unregister(domain, sessionID string) {
	domain = normalize(domain)

	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, exists := r.domains[domain]; exists && owner == sessionID {
		delete(r.domains, domain)
	}
}

// Lookup 은 도메인을 소유한 세션 식별자를 반환합니다.
// 등록과 경합하지 않고 즉시 결과를 돌려줍니다.
func (r *Registry) Lookup(domain string) (string, bool) {
	domain = normalize(domain)

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.domains[domain]
	return id, ok
}

// AssignAuto 는 base 도메인 아래에 사용되지 않은 이름을 생성해 sessionID 에 바인딩합니다.
// 생성→등록을 잠금 한 번으로 처리해 다른 등록과 원자적으로 동작합니다.
func (r *Registry) AssignAuto(base, sessionID string) (string, error) {
	base = normalize(base)
	if base == "" {
		return "", fmt.Errorf("registry: empty base domain")
	}

	label := r.labelFn
	if label == nil {
		label = shortLabel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < autoAssignRetries; i++ {
		candidate := label() + "." + base
		if _, exists := r.domains[candidate]; exists {
			continue
		}
		r.domains[candidate] = sessionID
		return candidate, nil
	}
	return "", ErrNoFreeDomain
}

// Len 은 현재 활성 바인딩 수를 반환합니다. 메트릭 용도입니다.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.domains)
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// shortLabel 은 uuid 앞 8자리를 서브도메인 라벨로 사용합니다.
func shortLabel() string {
	return uuid.NewString()[:8]
}
