package packet

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Type 应用报文类型码
type Type uint16

const (
	TypeNull         Type = 0x0000
	TypePingRequest  Type = 0x0001
	TypePong         Type = 0x0002
	TypeEchoRequest  Type = 0x0010
	TypeEchoResponse Type = 0x0011
	TypeException    Type = 0x00FF
)

// String 通过当前类型目录返回名称
func (t Type) String() string {
	return currentCatalog().Name(t)
}

// UnregisteredLabel 未登记类型统一使用的指标标签
const UnregisteredLabel = "unregistered"

// MetricLabel 指标标签：已登记类型取名称，其余归入 UnregisteredLabel
func (t Type) MetricLabel() string {
	c := currentCatalog()
	if !c.Known(t) {
		return UnregisteredLabel
	}
	return c.Name(t)
}

// Catalog 类型码 -> 名称，用于日志与指标标签
type Catalog struct {
	Names map[Type]string `yaml:"names"`
}

// DefaultCatalog 返回内置类型目录
func DefaultCatalog() *Catalog {
	return &Catalog{
		Names: map[Type]string{
			TypeNull:         "NULL",
			TypePingRequest:  "PING_REQUEST",
			TypePong:         "PONG",
			TypeEchoRequest:  "ECHO_REQUEST",
			TypeEchoResponse: "ECHO_RESPONSE",
			TypeException:    "EXCEPTION",
		},
	}
}

// LoadCatalog 从 YAML 读取类型目录，并合并到默认目录之上
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packet catalog: %w", err)
	}
	var loaded Catalog
	if err := yaml.Unmarshal(b, &loaded); err != nil {
		return nil, fmt.Errorf("unmarshal packet catalog: %w", err)
	}
	c := DefaultCatalog()
	c.Merge(&loaded)
	return c, nil
}

// Name 返回类型名称，未登记的类型以十六进制表示
func (c *Catalog) Name(t Type) string {
	if c != nil && c.Names != nil {
		if n, ok := c.Names[t]; ok {
			return n
		}
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

// Known 类型码是否已登记
func (c *Catalog) Known(t Type) bool {
	if c == nil || c.Names == nil {
		return false
	}
	_, ok := c.Names[t]
	return ok
}

// Merge 合并另一个目录的条目
func (c *Catalog) Merge(other *Catalog) {
	if c == nil || other == nil || other.Names == nil {
		return
	}
	if c.Names == nil {
		c.Names = make(map[Type]string, len(other.Names))
	}
	for k, v := range other.Names {
		c.Names[k] = v
	}
}

var catalog atomic.Pointer[Catalog]

func init() { catalog.Store(DefaultCatalog()) }

// SetCatalog 安装全局类型目录；nil 恢复默认
func SetCatalog(c *Catalog) {
	if c == nil {
		c = DefaultCatalog()
	}
	catalog.Store(c)
}

func currentCatalog() *Catalog { return catalog.Load() }
