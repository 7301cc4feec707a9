package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"

	"geostream/Store"
	"geostream/geo"
)

// tiledump 读取本地瓦片存储中某个瓦片的载荷，用于排查缓存内容
func main() {
	dbDir := flag.String("db", "data/tiles", "瓦片存储目录")
	backend := flag.String("backend", "bbolt", "存储后端: bbolt 或 sqlite")
	layerID := flag.String("layer", "", "图层 id")
	z := flag.Uint("z", 0, "层级")
	x := flag.Uint("x", 0, "列号")
	y := flag.Uint("y", 0, "行号（自北向南）")
	flag.Parse()

	if *layerID == "" {
		log.Fatal("缺少 -layer")
	}
	addr := geo.TileAddress{Zoom: uint32(*z), Row: uint32(*y), Col: uint32(*x)}
	if !addr.Valid() {
		log.Fatalf("瓦片地址非法: %s", addr)
	}

	storage, err := Store.NewTileStorage(Store.TileStorageConfig{
		Backend: Store.StorageBackend(*backend),
		DBDir:   *dbDir,
	})
	if err != nil {
		log.Fatalf("打开瓦片存储失败: %v", err)
	}
	defer storage.Close()

	key := Store.KeyForExtent(*layerID, addr.Extent(), int(addr.Zoom))
	data, err := storage.Get(context.Background(), key)
	if errors.Is(err, Store.ErrNotFound) {
		fmt.Printf("瓦片 %s 不在存储中 (key=%s)\n", addr, key)
		return
	}
	if err != nil {
		log.Fatalf("读取失败: %v", err)
	}

	fmt.Printf("图层: %s\n", *layerID)
	fmt.Printf("瓦片: %s quadkey=%s\n", addr, addr.QuadKey())
	fmt.Printf("存储键: %s\n", key)
	fmt.Printf("数据大小: %d 字节\n", len(data))
	fmt.Printf("内容类型: %s\n", http.DetectContentType(data))
	end := min(len(data), 64)
	fmt.Printf("前%d字节（十六进制）: %x\n", end, data[:end])
}
