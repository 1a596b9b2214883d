package httpapi

import "net/http"

// Matcher 定义路由匹配逻辑。
// 返回 true 表示该路由应该处理此请求。
type Matcher func(r *http.Request) bool

// Route 定义单条路由规则。
type Route struct {
	Name    string
	Matcher Matcher
	Handler http.Handler
}

// Chain 实现了一个基于责任链/路由表的 http.Handler。
// 它按顺序检查路由，一旦匹配成功，就移交给对应的 Handler，并停止后续匹配。
// 如果所有路由都不匹配，则调用 defaultHandler（未设置时返回 404）。
type Chain struct {
	routes         []Route
	defaultHandler http.Handler
}

// NewChain 创建一个新的责任链路由器。
func NewChain(defaultHandler http.Handler) *Chain {
	return &Chain{
		routes:         make([]Route, 0),
		defaultHandler: defaultHandler,
	}
}

// AddRoute 添加一条路由规则。
func (c *Chain) AddRoute(name string, matcher Matcher, handler http.Handler) {
	c.routes = append(c.routes, Route{
		Name:    name,
		Matcher: matcher,
		Handler: handler,
	})
}

// ServeHTTP 实现 http.Handler 接口。
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. 遍历路由表
	for _, route := range c.routes {
		if route.Matcher(r) {
			route.Handler.ServeHTTP(w, r)
			return
		}
	}

	// 2. 没有任何匹配，使用默认处理器
	if c.defaultHandler != nil {
		c.defaultHandler.ServeHTTP(w, r)
		return
	}

	// 3. 既无匹配也无默认处理器
	http.NotFound(w, r)
}

// MatchRoute 返回一个同时匹配方法与路径的 Matcher。
func MatchRoute(method, path string) Matcher {
	return func(r *http.Request) bool {
		return r.Method == method && r.URL.Path == path
	}
}

// MatchMethod 返回一个仅匹配方法的 Matcher。
func MatchMethod(method string) Matcher {
	return func(r *http.Request) bool {
		return r.Method == method
	}
}

// MatchPath 返回一个仅匹配路径的 Matcher（任意方法）。
func MatchPath(path string) Matcher {
	return func(r *http.Request) bool {
		return r.URL.Path == path
	}
}
