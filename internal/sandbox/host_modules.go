package sandbox

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/crypto/bcrypt"
)

// hostModules 未安装也可 require 的宿主模块
var hostModules = map[string]func(r *run) *goja.Object{
	"uuid":     uuidModule,
	"crypto":   cryptoModule,
	"bcryptjs": bcryptModule,
	"bcrypt":   bcryptModule,
	"slugify":  slugifyModule,
}

// HostModuleNames 返回宿主模块名称
func HostModuleNames() []string {
	names := make([]string, 0, len(hostModules))
	for name := range hostModules {
		names = append(names, name)
	}
	return names
}

func (r *run) hostModule(name string) (goja.Value, bool) {
	if mod, ok := r.host[name]; ok {
		return mod, true
	}
	factory, ok := hostModules[name]
	if !ok {
		return nil, false
	}
	mod := factory(r)
	r.host[name] = mod
	return mod, true
}

func uuidModule(r *run) *goja.Object {
	mod := r.vm.NewObject()
	_ = mod.Set("v4", func() string { return uuid.NewString() })
	_ = mod.Set("validate", func(s string) bool {
		_, err := uuid.Parse(s)
		return err == nil
	})
	_ = mod.Set("NIL", uuid.Nil.String())
	return mod
}

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

func cryptoModule(r *run) *goja.Object {
	mod := r.vm.NewObject()
	_ = mod.Set("randomUUID", func() string { return uuid.NewString() })

	_ = mod.Set("randomBytes", func(call goja.FunctionCall) goja.Value {
		n := call.Argument(0).ToInteger()
		if n < 0 || n > 65536 {
			panic(r.vm.NewTypeError("The value of \"size\" is out of range"))
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic(r.vm.NewGoError(err))
		}
		return r.digestObject(buf)
	})

	_ = mod.Set("createHash", func(call goja.FunctionCall) goja.Value {
		newHash, ok := hashes[strings.ToLower(call.Argument(0).String())]
		if !ok {
			panic(r.vm.NewTypeError("Digest method not supported"))
		}
		return r.hashObject(newHash())
	})

	_ = mod.Set("createHmac", func(call goja.FunctionCall) goja.Value {
		newHash, ok := hashes[strings.ToLower(call.Argument(0).String())]
		if !ok {
			panic(r.vm.NewTypeError("Digest method not supported"))
		}
		return r.hashObject(hmac.New(newHash, []byte(call.Argument(1).String())))
	})

	return mod
}

// hashObject 提供 update(data).digest(encoding) 链式调用
func (r *run) hashObject(h hash.Hash) *goja.Object {
	obj := r.vm.NewObject()
	_ = obj.Set("update", func(call goja.FunctionCall) goja.Value {
		h.Write([]byte(call.Argument(0).String()))
		return obj
	})
	_ = obj.Set("digest", func(call goja.FunctionCall) goja.Value {
		sum := h.Sum(nil)
		enc := call.Argument(0)
		if goja.IsUndefined(enc) {
			return r.digestObject(sum)
		}
		return r.vm.ToValue(encode(sum, enc.String()))
	})
	return obj
}

// digestObject 用带 toString(encoding) 的对象代替 Buffer
func (r *run) digestObject(b []byte) *goja.Object {
	obj := r.vm.NewObject()
	_ = obj.Set("length", len(b))
	_ = obj.Set("toString", func(call goja.FunctionCall) goja.Value {
		enc := "hex"
		if arg := call.Argument(0); !goja.IsUndefined(arg) {
			enc = arg.String()
		}
		return r.vm.ToValue(encode(b, enc))
	})
	return obj
}

func encode(b []byte, enc string) string {
	switch strings.ToLower(enc) {
	case "base64":
		return base64.StdEncoding.EncodeToString(b)
	case "base64url":
		return base64.RawURLEncoding.EncodeToString(b)
	case "latin1", "binary", "utf8", "utf-8":
		return string(b)
	default:
		return hex.EncodeToString(b)
	}
}

// maxBcryptCost 脚本可用的最大 bcrypt 代价，更高的值按上限处理
const maxBcryptCost = 12

func bcryptModule(r *run) *goja.Object {
	mod := r.vm.NewObject()

	hashSync := func(password string, rounds int) (string, error) {
		out, err := r.blocking(func() (interface{}, error) {
			b, err := bcrypt.GenerateFromPassword([]byte(password), clampCost(rounds))
			return string(b), err
		})
		if err != nil {
			return "", err
		}
		return out.(string), nil
	}
	compareSync := func(password, hashed string) bool {
		// 代价超限的哈希不可能由本模块生成
		if cost, err := bcrypt.Cost([]byte(hashed)); err != nil || cost > maxBcryptCost {
			return false
		}
		ok, _ := r.blocking(func() (interface{}, error) {
			return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil, nil
		})
		matched, _ := ok.(bool)
		return matched
	}
	rounds := func(v goja.Value) int {
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return bcrypt.DefaultCost
		}
		// genSalt 的结果以 "$2a$<cost>$" 形式传回
		if str, ok := v.Export().(string); ok {
			parts := strings.Split(str, "$")
			if len(parts) >= 3 {
				if cost, err := strconv.Atoi(parts[2]); err == nil {
					return cost
				}
			}
			return bcrypt.DefaultCost
		}
		return int(v.ToInteger())
	}

	_ = mod.Set("genSaltSync", func(call goja.FunctionCall) goja.Value {
		cost := rounds(call.Argument(0))
		return r.vm.ToValue(saltPrefix(cost))
	})
	_ = mod.Set("hashSync", func(call goja.FunctionCall) goja.Value {
		out, err := hashSync(call.Argument(0).String(), rounds(call.Argument(1)))
		if err != nil {
			r.throw(err)
		}
		return r.vm.ToValue(out)
	})
	_ = mod.Set("compareSync", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(compareSync(call.Argument(0).String(), call.Argument(1).String()))
	})

	_ = mod.Set("genSalt", func(call goja.FunctionCall) goja.Value {
		return r.settled(saltPrefix(rounds(call.Argument(0))), nil)
	})
	_ = mod.Set("hash", func(call goja.FunctionCall) goja.Value {
		out, err := hashSync(call.Argument(0).String(), rounds(call.Argument(1)))
		return r.settled(out, err)
	})
	_ = mod.Set("compare", func(call goja.FunctionCall) goja.Value {
		return r.settled(compareSync(call.Argument(0).String(), call.Argument(1).String()), nil)
	})

	return mod
}

func clampCost(cost int) int {
	switch {
	case cost < bcrypt.MinCost:
		return bcrypt.DefaultCost
	case cost > maxBcryptCost:
		return maxBcryptCost
	}
	return cost
}

func saltPrefix(cost int) string {
	return fmt.Sprintf("$2a$%02d$", clampCost(cost))
}

// settled 返回已经完成的 Promise
func (r *run) settled(value interface{}, err error) goja.Value {
	promise, resolve, reject := r.vm.NewPromise()
	if err != nil {
		reject(r.vm.NewGoError(err))
	} else {
		resolve(value)
	}
	return r.vm.ToValue(promise)
}

func slugifyModule(r *run) *goja.Object {
	fn := func(call goja.FunctionCall) goja.Value {
		out := slug.Make(call.Argument(0).String())

		if opts, ok := call.Argument(1).(*goja.Object); ok {
			if rep := opts.Get("replacement"); rep != nil && !goja.IsUndefined(rep) {
				out = strings.ReplaceAll(out, "-", rep.String())
			}
		} else if rep := call.Argument(1); !goja.IsUndefined(rep) {
			out = strings.ReplaceAll(out, "-", rep.String())
		}
		return r.vm.ToValue(out)
	}

	obj := r.vm.ToValue(fn).(*goja.Object)
	_ = obj.Set("default", obj)
	return obj
}
